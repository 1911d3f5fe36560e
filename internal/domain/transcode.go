package domain

import "time"

// FileTrack marks a TranscodeKey that covers a whole file rather than one
// audio track.
const FileTrack = -1

type TranscodeKey struct {
	SessionID SessionID
	FileIndex int
	Track     int
}

type TranscodeState struct {
	Key       TranscodeKey `json:"-"`
	Progress  float64      `json:"progress"`
	Completed bool         `json:"completed"`
	Err       string       `json:"error,omitempty"`
	StartedAt time.Time    `json:"startedAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func (s TranscodeState) Failed() bool {
	return s.Err != ""
}
