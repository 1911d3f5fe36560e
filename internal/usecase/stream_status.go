package usecase

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
)

const DefaultReadyBufferBytes int64 = 2 << 20

type HandleResolver interface {
	Handle(h domain.HandleID) (domain.Handle, error)
}

// MetadataLookup returns the most recent probe result without probing.
type MetadataLookup interface {
	Cached(sid domain.SessionID, fileIndex int) (domain.MediaMetadata, bool)
}

type TranscodeLookup interface {
	Attached(sid domain.SessionID, fileIndex int) bool
	Get(sid domain.SessionID, fileIndex int) (domain.TranscodeState, bool)
}

// StreamStatus derives the playback readiness of one file of a handle. It
// holds no state of its own and is recomputed on every poll.
type StreamStatus struct {
	Handles    HandleResolver
	Engine     ports.Engine
	Metadata   MetadataLookup
	Transcodes TranscodeLookup
	// ReadyBytes is how much of the selection must be downloaded before a
	// file is offered for playback.
	ReadyBytes int64
	// BaseURL prefixes StreamInfo.URL. Empty yields a root-relative URL.
	BaseURL string
}

func (uc StreamStatus) Execute(ctx context.Context, h domain.HandleID, fileIndex int) (domain.StreamStatus, error) {
	if uc.Handles == nil || uc.Engine == nil {
		return domain.StreamStatus{}, errors.New("stream status not configured")
	}
	handle, err := uc.Handles.Handle(h)
	if err != nil {
		return domain.StreamStatus{}, err
	}
	if !handle.Bound() {
		return domain.StreamStatus{}, fmt.Errorf("handle %d not activated: %w", h, domain.ErrSessionNotFound)
	}
	sid := handle.SessionID

	session, err := uc.Engine.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.StreamStatus{}, err
		}
		return domain.StreamStatus{}, wrapEngine(err)
	}
	files := session.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return domain.StreamStatus{}, fmt.Errorf("%w: %d", domain.ErrFileIndexOutOfRange, fileIndex)
	}
	file := files[fileIndex]

	stats := session.Stats()
	status := domain.StreamStatus{
		Status:        domain.StreamInitializing,
		State:         domain.DownloadDownloading,
		ProgressBytes: stats.ProgressBytes,
		TotalBytes:    stats.TotalBytes,
		Peers:         stats.Peers,
		DownloadSpeed: stats.DownloadSpeed,
	}
	if !stats.Live {
		status.State = domain.DownloadChecking
	}
	if uc.Transcodes != nil {
		if ts, ok := uc.Transcodes.Get(sid, fileIndex); ok {
			progress := ts.Progress
			status.TranscodeProgress = &progress
		}
	}

	readyBytes := uc.ReadyBytes
	if readyBytes <= 0 {
		readyBytes = DefaultReadyBufferBytes
	}
	buffered := stats.Finished || stats.ProgressBytes > readyBytes
	if !buffered || !seekable(session, fileIndex) {
		return status, nil
	}

	var meta domain.MediaMetadata
	var haveMeta bool
	if uc.Metadata != nil {
		meta, haveMeta = uc.Metadata.Cached(sid, fileIndex)
	}
	status.Status = domain.StreamReady
	if haveMeta && meta.NeedsAudioTranscoding && !transcodeStarted(uc.Transcodes, sid, fileIndex) {
		status.Status = domain.StreamTranscoding
	}

	info := &domain.StreamInfo{
		URL:      StreamURL(uc.BaseURL, sid, fileIndex),
		FileName: path.Base(file.Path),
		FileSize: file.Length,
	}
	if haveMeta {
		m := meta
		info.Metadata = &m
	}
	status.StreamInfo = info
	return status, nil
}

// transcodeStarted stays true once a pipe has attached for the file, so a
// client disconnect does not send the status back to transcoding. A failed
// pipe with nothing attached does not count.
func transcodeStarted(t TranscodeLookup, sid domain.SessionID, fileIndex int) bool {
	if t == nil {
		return false
	}
	if t.Attached(sid, fileIndex) {
		return true
	}
	ts, ok := t.Get(sid, fileIndex)
	return ok && !ts.Failed()
}

func seekable(session ports.Session, fileIndex int) bool {
	reader, err := session.Stream(fileIndex)
	if err != nil {
		return false
	}
	reader.Close()
	return true
}

func StreamURL(base string, sid domain.SessionID, fileIndex int) string {
	return fmt.Sprintf("%s/sessions/%s/stream/%d", strings.TrimRight(base, "/"), sid, fileIndex)
}
