package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"torrentcast/internal/domain"
)

const (
	defaultEmptyReadRetries = 150
	defaultRetryDelay       = 200 * time.Millisecond
	sampleChunk             = 256 << 10
)

// Sampler copies a bounded prefix of a slow, peer-backed stream. A read that
// returns no bytes is retried after RetryDelay; EmptyReadRetries consecutive
// empty reads end the sample early.
type Sampler struct {
	EmptyReadRetries int
	RetryDelay       time.Duration
}

func (s Sampler) retries() int {
	if s.EmptyReadRetries <= 0 {
		return defaultEmptyReadRetries
	}
	return s.EmptyReadRetries
}

func (s Sampler) delay() time.Duration {
	if s.RetryDelay <= 0 {
		return defaultRetryDelay
	}
	return s.RetryDelay
}

// Sample copies up to limit bytes from r to dst and returns how many were
// written. It returns ErrInsufficientData (with the partial count) when the
// stream stayed idle for the whole retry window.
func (s Sampler) Sample(ctx context.Context, r io.Reader, dst io.Writer, limit int64) (int64, error) {
	buf := make([]byte, sampleChunk)
	var written int64
	empty := 0
	for written < limit {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		chunk := buf
		if remaining := limit - written; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, err := r.Read(chunk)
		if n > 0 {
			empty = 0
			if _, werr := dst.Write(chunk[:n]); werr != nil {
				return written, fmt.Errorf("%w: write sample: %v", domain.ErrIO, werr)
			}
			written += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, err
		}
		if n > 0 {
			continue
		}

		empty++
		if empty >= s.retries() {
			return written, fmt.Errorf("%w: stream idle after %d empty reads", domain.ErrInsufficientData, empty)
		}
		timer := time.NewTimer(s.delay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return written, ctx.Err()
		case <-timer.C:
		}
	}
	return written, nil
}
