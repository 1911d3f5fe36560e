package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
)

var errSessionClosed = errors.New("session closed")

type session struct {
	engine  *Engine
	id      domain.SessionID
	torrent Torrent
	lazy    bool

	mu        sync.Mutex
	available []int64
	selected  map[int]bool
	paused    bool
	verifying bool
	closed    bool
	// changed is closed and replaced whenever availability or lifecycle
	// state moves, waking blocked readers.
	changed chan struct{}
}

func newSession(e *Engine, id domain.SessionID, t Torrent, lazy bool) *session {
	s := &session{
		engine:    e,
		id:        id,
		torrent:   t,
		lazy:      lazy,
		available: make([]int64, len(t.Files)),
		selected:  make(map[int]bool),
		changed:   make(chan struct{}),
	}
	if !lazy {
		for i, f := range t.Files {
			s.available[i] = f.length()
		}
	}
	return s
}

func (s *session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *session) selectFiles(only []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(only) == 0 {
		s.selected = make(map[int]bool)
		return
	}
	s.selected = make(map[int]bool, len(only))
	for _, idx := range only {
		s.selected[idx] = true
	}
}

func (s *session) isSelectedLocked(idx int) bool {
	return len(s.selected) == 0 || s.selected[idx]
}

func (s *session) setAvailable(fileIndex int, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fileIndex < 0 || fileIndex >= len(s.torrent.Files) {
		return domain.ErrFileIndexOutOfRange
	}
	if size := s.torrent.Files[fileIndex].length(); n > size {
		n = size
	}
	if n < 0 {
		n = 0
	}
	s.available[fileIndex] = n
	s.notifyLocked()
	return nil
}

func (s *session) ID() domain.SessionID { return s.id }

func (s *session) Name() string { return s.torrent.Name }

func (s *session) Files() []domain.FileRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make([]domain.FileRef, len(s.torrent.Files))
	for i, f := range s.torrent.Files {
		files[i] = domain.FileRef{Index: i, Path: f.Path, Length: f.length(), BytesCompleted: s.available[i]}
	}
	return files
}

func (s *session) Stream(fileIndex int) (ports.StreamReader, error) {
	if fileIndex < 0 || fileIndex >= len(s.torrent.Files) {
		return nil, fmt.Errorf("%w: %d", domain.ErrFileIndexOutOfRange, fileIndex)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, domain.ErrSessionNotFound
	}
	return &reader{session: s, file: fileIndex, size: s.torrent.Files[fileIndex].length(), ctx: context.Background()}, nil
}

func (s *session) Stats() domain.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.SessionStats
	for i, f := range s.torrent.Files {
		if !s.isSelectedLocked(i) {
			continue
		}
		st.TotalBytes += f.length()
		st.ProgressBytes += s.available[i]
	}
	st.Finished = st.TotalBytes > 0 && st.ProgressBytes >= st.TotalBytes
	st.Paused = s.paused
	st.Live = !s.verifying
	if !s.paused {
		st.Peers = s.engine.peers
	}
	return st
}

func (s *session) Pause() error {
	s.mu.Lock()
	s.paused = true
	s.notifyLocked()
	s.mu.Unlock()
	return nil
}

func (s *session) Unpause() error {
	s.mu.Lock()
	s.paused = false
	// A purged non-lazy session is re-seeded on resume, the way a real swarm
	// would serve the missing pieces again.
	if !s.lazy {
		for i, f := range s.torrent.Files {
			s.available[i] = f.length()
		}
	}
	s.notifyLocked()
	s.mu.Unlock()
	return nil
}

func (s *session) PurgeData() error {
	s.mu.Lock()
	for i := range s.available {
		s.available[i] = 0
	}
	s.notifyLocked()
	s.mu.Unlock()
	s.engine.purgeCalls.Add(1)
	return nil
}

func (s *session) Delete(purge bool) error {
	if purge {
		_ = s.PurgeData()
	}
	s.close()
	s.engine.remove(s.id)
	return nil
}

func (s *session) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.notifyLocked()
	}
	s.mu.Unlock()
}

// reader blocks on bytes that are not downloaded yet, like an engine file
// reader with responsive mode off.
type reader struct {
	session *session
	file    int
	size    int64

	mu     sync.Mutex
	pos    int64
	ctx    context.Context
	closed bool
}

func (r *reader) SetContext(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
}

func (r *reader) SetReadahead(int64) {}

func (r *reader) SetResponsive() {}

func (r *reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	pos, ctx, closed := r.pos, r.ctx, r.closed
	r.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	if pos >= r.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	s := r.session
	f := s.torrent.Files[r.file]
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, errSessionClosed
		}
		avail := s.available[r.file]
		if pos < avail {
			n := int64(len(p))
			if pos+n > avail {
				n = avail - pos
			}
			s.mu.Unlock()
			for i := int64(0); i < n; i++ {
				p[i] = f.byteAt(pos + i)
			}
			r.mu.Lock()
			r.pos = pos + n
			r.mu.Unlock()
			return int(n), nil
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-wait:
		}
	}
}

func (r *reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	r.pos = abs
	return abs, nil
}

func (r *reader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
