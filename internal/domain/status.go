package domain

type StreamState string

const (
	StreamInitializing StreamState = "initializing"
	StreamReady        StreamState = "ready"
	StreamTranscoding  StreamState = "transcoding"
)

// DownloadState is the coarse engine phase reported alongside StreamState.
type DownloadState string

const (
	DownloadChecking    DownloadState = "checking"
	DownloadDownloading DownloadState = "downloading"
)

type StreamInfo struct {
	URL      string         `json:"url"`
	FileName string         `json:"fileName"`
	FileSize int64          `json:"fileSize"`
	Metadata *MediaMetadata `json:"metadata,omitempty"`
}

type StreamStatus struct {
	Status            StreamState   `json:"status"`
	State             DownloadState `json:"state"`
	ProgressBytes     int64         `json:"progressBytes"`
	TotalBytes        int64         `json:"totalBytes"`
	Peers             int           `json:"peers"`
	DownloadSpeed     int64         `json:"downloadSpeed"`
	StreamInfo        *StreamInfo   `json:"streamInfo,omitempty"`
	TranscodeProgress *float64      `json:"transcodeProgress,omitempty"`
}
