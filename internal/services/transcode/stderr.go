package transcode

import (
	"strings"
	"sync"
)

const defaultTailBytes = 4 << 10

// TailBuffer keeps the last few KB written to it. It is used as a
// subprocess stderr so failures can quote the end of the log without
// unbounded growth.
type TailBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func NewTailBuffer(max int) *TailBuffer {
	if max <= 0 {
		max = defaultTailBytes
	}
	return &TailBuffer{max: max}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if over := len(b.data) - b.max; over > 0 {
		b.data = append(b.data[:0], b.data[over:]...)
	}
	return len(p), nil
}

func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.data))
}
