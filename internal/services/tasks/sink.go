// Package tasks runs fire-and-forget background work and reports each
// outcome on a result channel instead of dropping errors.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Result struct {
	ID      string
	Name    string
	Err     error
	Elapsed time.Duration
}

type Sink struct {
	logger  *slog.Logger
	results chan Result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewSink(logger *slog.Logger, buffer int) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sink{
		logger:  logger,
		results: make(chan Result, buffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go runs fn in the background and returns the task id. The context passed
// to fn is cancelled when the sink closes. Tasks submitted after Close are
// reported as cancelled without running.
func (s *Sink) Go(name string, fn func(ctx context.Context) error) string {
	id := uuid.NewString()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log(Result{ID: id, Name: name, Err: context.Canceled})
		return id
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		start := time.Now()
		err := fn(s.ctx)
		s.report(Result{ID: id, Name: name, Err: err, Elapsed: time.Since(start)})
	}()
	return id
}

// report never blocks a task: when nobody drains the channel the result is
// logged directly.
func (s *Sink) report(r Result) {
	select {
	case s.results <- r:
	default:
		s.log(r)
	}
}

func (s *Sink) Results() <-chan Result {
	return s.results
}

// Drain logs results until ctx is done or the sink is closed.
func (s *Sink) Drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-s.results:
			if !ok {
				return
			}
			s.log(r)
		}
	}
}

func (s *Sink) log(r Result) {
	if r.Err != nil {
		s.logger.Warn("background task failed",
			slog.String("task", r.Name),
			slog.String("taskId", r.ID),
			slog.Duration("elapsed", r.Elapsed),
			slog.String("error", r.Err.Error()),
		)
		return
	}
	s.logger.Debug("background task finished",
		slog.String("task", r.Name),
		slog.String("taskId", r.ID),
		slog.Duration("elapsed", r.Elapsed),
	)
}

// Close cancels running tasks and waits for them to return.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	close(s.results)
}
