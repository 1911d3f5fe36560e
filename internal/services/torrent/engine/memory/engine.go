// Package memory is a deterministic in-process download engine. Sources are
// registered up front with synthetic contents and sessions expose them as
// blocking streams whose downloaded prefix is controlled by the caller.
package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
)

// File describes one file of a registered torrent. When Data is nil the
// contents are Size bytes of SyntheticByte output.
type File struct {
	Path string
	Size int64
	Data []byte
}

func (f File) length() int64 {
	if f.Data != nil {
		return int64(len(f.Data))
	}
	return f.Size
}

func (f File) byteAt(off int64) byte {
	if f.Data != nil {
		return f.Data[off]
	}
	return SyntheticByte(off)
}

// SyntheticByte is the content of a generated file at offset off.
func SyntheticByte(off int64) byte {
	return byte(off % 251)
}

type Torrent struct {
	Name  string
	Files []File
}

type Engine struct {
	mu       sync.RWMutex
	sources  map[string]Torrent
	sessions map[domain.SessionID]*session
	lazy     bool
	peers    int

	listCalls     atomic.Int64
	addCalls      atomic.Int64
	metadataCalls atomic.Int64
	purgeCalls    atomic.Int64
}

type Option func(*Engine)

// WithLazyData makes new sessions start with nothing downloaded. Data then
// arrives only through SetAvailable.
func WithLazyData() Option {
	return func(e *Engine) {
		e.lazy = true
	}
}

func WithPeers(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.peers = n
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		sources:  make(map[string]Torrent),
		sessions: make(map[domain.SessionID]*session),
		peers:    4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddSource makes uri resolvable by List and Add.
func (e *Engine) AddSource(uri string, t Torrent) {
	e.mu.Lock()
	e.sources[uri] = t
	e.mu.Unlock()
}

// SessionIDFor returns the id a session for uri gets, mirroring an info-hash.
func SessionIDFor(uri string) domain.SessionID {
	sum := sha1.Sum([]byte(uri))
	return domain.SessionID(hex.EncodeToString(sum[:]))
}

func (e *Engine) lookup(src domain.Source) (Torrent, error) {
	e.mu.RLock()
	t, ok := e.sources[src.URI]
	e.mu.RUnlock()
	if !ok {
		return Torrent{}, fmt.Errorf("%w: %s", domain.ErrSourceUnreachable, src.URI)
	}
	return t, nil
}

func (e *Engine) List(ctx context.Context, src domain.Source) (domain.Listing, error) {
	if err := ctx.Err(); err != nil {
		return domain.Listing{}, err
	}
	e.listCalls.Add(1)
	t, err := e.lookup(src)
	if err != nil {
		return domain.Listing{}, err
	}
	e.metadataCalls.Add(1)
	return listingOf(t), nil
}

func listingOf(t Torrent) domain.Listing {
	listing := domain.Listing{Name: t.Name, Files: make([]domain.FileRef, len(t.Files))}
	for i, f := range t.Files {
		listing.Files[i] = domain.FileRef{Index: i, Path: f.Path, Length: f.length()}
		listing.TotalBytes += f.length()
	}
	return listing
}

func (e *Engine) Add(ctx context.Context, src domain.Source, opts domain.AddOptions) (domain.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.addCalls.Add(1)
	t, err := e.lookup(src)
	if err != nil {
		return "", err
	}
	for _, idx := range opts.OnlyFiles {
		if idx < 0 || idx >= len(t.Files) {
			return "", fmt.Errorf("%w: %d", domain.ErrFileIndexOutOfRange, idx)
		}
	}

	id := SessionIDFor(src.URI)

	e.mu.Lock()
	s, exists := e.sessions[id]
	if !exists {
		s = newSession(e, id, t, e.lazy)
		e.sessions[id] = s
	}
	e.mu.Unlock()

	if !exists {
		e.metadataCalls.Add(1)
	}
	s.selectFiles(opts.OnlyFiles)
	if opts.Paused {
		_ = s.Pause()
	} else {
		_ = s.Unpause()
	}
	return id, nil
}

func (e *Engine) Get(_ context.Context, id domain.SessionID) (ports.Session, error) {
	e.mu.RLock()
	s, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[domain.SessionID]*session)
	e.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	return nil
}

func (e *Engine) remove(id domain.SessionID) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

// SetAvailable marks the first n bytes of a file as downloaded and wakes
// any reader waiting on them.
func (e *Engine) SetAvailable(id domain.SessionID, fileIndex int, n int64) error {
	e.mu.RLock()
	s, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return domain.ErrSessionNotFound
	}
	return s.setAvailable(fileIndex, n)
}

// SetVerifying toggles the hashing phase reported through Stats().Live.
func (e *Engine) SetVerifying(id domain.SessionID, verifying bool) error {
	e.mu.RLock()
	s, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.mu.Lock()
	s.verifying = verifying
	s.mu.Unlock()
	return nil
}

func (e *Engine) SessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

func (e *Engine) ListCalls() int64     { return e.listCalls.Load() }
func (e *Engine) AddCalls() int64      { return e.addCalls.Load() }
func (e *Engine) MetadataCalls() int64 { return e.metadataCalls.Load() }
func (e *Engine) PurgeCalls() int64    { return e.purgeCalls.Load() }
