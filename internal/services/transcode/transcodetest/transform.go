// Package transcodetest provides an in-process Transform for tests that
// must not depend on an ffmpeg binary.
package transcodetest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Prefix is prepended to the input to form the default output.
const Prefix = "ADTS:"

var ErrKilled = errors.New("transform killed")

// Transform consumes all of stdin, then writes Prefix followed by the input
// to stdout. With Stream set it writes Prefix at once and passes input
// through as it arrives. Exported fields must be set before Start.
type Transform struct {
	StartErr error
	ExitErr  error
	// Gate, when non-nil, holds the output back until it is closed.
	Gate   chan struct{}
	Stream bool

	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter
	done chan struct{}
	kill chan struct{}
	once sync.Once

	progress atomic.Int64
	killed   atomic.Bool
	started  atomic.Bool

	mu    sync.Mutex
	input []byte
}

func New() *Transform {
	t := &Transform{done: make(chan struct{}), kill: make(chan struct{})}
	t.inR, t.inW = io.Pipe()
	t.outR, t.outW = io.Pipe()
	return t
}

func (t *Transform) Start(context.Context) error {
	if t.StartErr != nil {
		return t.StartErr
	}
	t.started.Store(true)
	go t.run()
	return nil
}

func (t *Transform) run() {
	defer close(t.done)
	if t.Stream {
		t.passThrough()
		return
	}
	data, err := io.ReadAll(t.inR)
	t.mu.Lock()
	t.input = data
	t.mu.Unlock()
	if err != nil {
		t.outW.CloseWithError(err)
		return
	}
	if t.Gate != nil {
		select {
		case <-t.Gate:
		case <-t.kill:
			return
		}
	}
	if _, err := t.outW.Write(append([]byte(Prefix), data...)); err != nil {
		return
	}
	t.outW.Close()
}

func (t *Transform) passThrough() {
	if _, err := t.outW.Write([]byte(Prefix)); err != nil {
		return
	}
	buf := make([]byte, 32<<10)
	for {
		n, err := t.inR.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.input = append(t.input, buf[:n]...)
			t.mu.Unlock()
			if _, werr := t.outW.Write(buf[:n]); werr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			t.outW.Close()
			return
		}
		if err != nil {
			t.outW.CloseWithError(err)
			return
		}
	}
}

func (t *Transform) Stdin() io.WriteCloser { return t.inW }

func (t *Transform) Stdout() io.Reader { return t.outR }

func (t *Transform) Wait() error {
	<-t.done
	if t.killed.Load() {
		return ErrKilled
	}
	return t.ExitErr
}

func (t *Transform) Kill() {
	t.killed.Store(true)
	t.once.Do(func() { close(t.kill) })
	t.inR.CloseWithError(ErrKilled)
	t.outR.CloseWithError(ErrKilled)
	t.outW.CloseWithError(ErrKilled)
}

func (t *Transform) Progress() time.Duration {
	return time.Duration(t.progress.Load())
}

// SetProgress sets the media time reported by Progress.
func (t *Transform) SetProgress(d time.Duration) {
	t.progress.Store(int64(d))
}

// Input returns everything read from stdin once the output was produced.
func (t *Transform) Input() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.input...)
}

func (t *Transform) Started() bool { return t.started.Load() }

func (t *Transform) Killed() bool { return t.killed.Load() }
