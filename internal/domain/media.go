package domain

const UndeterminedLanguage = "und"

type AudioTrack struct {
	Index            int    `json:"index"`
	Language         string `json:"language"`
	Codec            string `json:"codec"`
	Name             string `json:"name"`
	Channels         int    `json:"channels,omitempty"`
	Default          bool   `json:"default"`
	NeedsTranscoding bool   `json:"needsTranscoding"`
	TranscodedURL    string `json:"transcodedUrl,omitempty"`
}

type SubtitleTrack struct {
	Index    int    `json:"index"`
	Language string `json:"language"`
	Codec    string `json:"codec"`
	Name     string `json:"name"`
	Default  bool   `json:"default"`
}

type Chapter struct {
	Index     int     `json:"index"`
	Title     string  `json:"title,omitempty"`
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
}

type MediaMetadata struct {
	AudioTracks           []AudioTrack    `json:"audioTracks"`
	SubtitleTracks        []SubtitleTrack `json:"subtitleTracks"`
	Chapters              []Chapter       `json:"chapters"`
	NeedsAudioTranscoding bool            `json:"needsAudioTranscoding"`
	Duration              *float64        `json:"duration,omitempty"`
}

// DurationSeconds returns the probed duration or 0 when unknown.
func (m MediaMetadata) DurationSeconds() float64 {
	if m.Duration == nil {
		return 0
	}
	return *m.Duration
}

// AudioTrack returns the audio track with the given per-type index.
func (m MediaMetadata) AudioTrack(index int) (AudioTrack, bool) {
	for _, t := range m.AudioTracks {
		if t.Index == index {
			return t, true
		}
	}
	return AudioTrack{}, false
}
