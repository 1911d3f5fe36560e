package media

import (
	"context"
	"errors"
	"io"
	"time"
)

var errStalled = errors.New("stream stalled")

// idleGuard cancels its context once no bytes have arrived for a whole
// window. Engine readers block until pieces land, so an empty-read count
// never trips on them; the guard does.
type idleGuard struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	window time.Duration
	timer  *time.Timer
}

func newIdleGuard(parent context.Context, window time.Duration) *idleGuard {
	ctx, cancel := context.WithCancelCause(parent)
	g := &idleGuard{ctx: ctx, cancel: cancel, window: window}
	g.timer = time.AfterFunc(window, func() { cancel(errStalled) })
	return g
}

func (g *idleGuard) Context() context.Context { return g.ctx }

// Stalled reports whether the window ran out, as opposed to the parent
// context ending.
func (g *idleGuard) Stalled() bool {
	return errors.Is(context.Cause(g.ctx), errStalled)
}

func (g *idleGuard) Stop() {
	g.timer.Stop()
	g.cancel(nil)
}

// Reader restarts the window on every read that returns data.
func (g *idleGuard) Reader(r io.Reader) io.Reader {
	return guardedReader{r: r, g: g}
}

type guardedReader struct {
	r io.Reader
	g *idleGuard
}

func (gr guardedReader) Read(p []byte) (int, error) {
	n, err := gr.r.Read(p)
	if n > 0 {
		gr.g.timer.Reset(gr.g.window)
	}
	return n, err
}
