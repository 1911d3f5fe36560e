// Package transcode pipes a download stream through an external audio
// transcoder and streams the output to HTTP clients while it is produced.
package transcode

import (
	"context"
	"io"
	"time"
)

// Transform is a running conversion with separate input and output pipes.
// Stdout must be drained to EOF before Wait is called.
type Transform interface {
	Start(ctx context.Context) error
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill()
	// Progress is the media time the transform has produced so far.
	Progress() time.Duration
}

// Factory builds a Transform that extracts one audio track.
type Factory func(track int) Transform
