// Package lifecycle maps client handles to engine download sessions and
// keeps a bounded cache of paused sessions for fast resume.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cehbz/torrentname"
	"golang.org/x/sync/errgroup"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
	"torrentcast/internal/metrics"
	"torrentcast/internal/services/tasks"
)

const (
	persistTimeout     = 10 * time.Second
	cleanupParallelism = 4
	// noFile marks a handle whose session has no known file selection.
	noFile = -1
)

// Invalidator drops per-session derived state (metadata, subtitles,
// transcode progress) when a session changes or goes away.
type Invalidator interface {
	Invalidate(sid domain.SessionID)
}

type InvalidatorFunc func(sid domain.SessionID)

func (f InvalidatorFunc) Invalidate(sid domain.SessionID) { f(sid) }

type Config struct {
	CacheCapacity int
	Store         ports.CacheStore
	Tasks         *tasks.Sink
	Invalidators  []Invalidator
	Logger        *slog.Logger
	Now           func() time.Time
}

type record struct {
	handle    domain.Handle
	fileIndex int
}

type Manager struct {
	engine       ports.Engine
	store        ports.CacheStore
	cache        *Cache
	tasks        *tasks.Sink
	invalidators []Invalidator
	logger       *slog.Logger
	now          func() time.Time

	handlesMu sync.RWMutex
	handles   map[domain.HandleID]*record
	nextID    atomic.Int64

	persistMu sync.Mutex
}

func NewManager(engine ports.Engine, cfg Config) *Manager {
	m := &Manager{
		engine:       engine,
		store:        cfg.Store,
		cache:        NewCache(cfg.CacheCapacity),
		tasks:        cfg.Tasks,
		invalidators: cfg.Invalidators,
		logger:       cfg.Logger,
		now:          cfg.Now,
		handles:      make(map[domain.HandleID]*record),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// AddInvalidator registers a hook after construction, for components that
// themselves depend on the manager.
func (m *Manager) AddInvalidator(inv Invalidator) {
	m.handlesMu.Lock()
	m.invalidators = append(m.invalidators, inv)
	m.handlesMu.Unlock()
}

func (m *Manager) Cache() *Cache { return m.cache }

// Register validates uri with a metadata-only listing and returns a new
// handle with no session bound.
func (m *Manager) Register(ctx context.Context, uri string) (domain.HandleID, error) {
	src, err := domain.ParseSource(uri)
	if err != nil {
		return 0, err
	}
	listing, err := m.engine.List(ctx, src)
	if err != nil {
		return 0, err
	}

	m.handlesMu.Lock()
	id := domain.HandleID(m.nextID.Add(1))
	m.handles[id] = &record{
		handle:    domain.Handle{ID: id, Source: src, Listing: listing},
		fileIndex: noFile,
	}
	m.handlesMu.Unlock()

	m.logger.Info("source registered",
		slog.Int64("handle", int64(id)),
		slog.String("name", listing.Name),
		slog.Int("files", len(listing.Files)),
	)
	return id, nil
}

// Activate starts (or resumes) downloading one file of the handle's source.
// A cached handle is unpaused and rebound to its existing session.
func (m *Manager) Activate(ctx context.Context, h domain.HandleID, fileIndex int) (domain.SessionID, error) {
	rec, err := m.lookup(h)
	if err != nil {
		return "", err
	}
	if files := rec.handle.Listing.Files; len(files) > 0 && (fileIndex < 0 || fileIndex >= len(files)) {
		return "", fmt.Errorf("%w: %d", domain.ErrFileIndexOutOfRange, fileIndex)
	}

	if entry, ok := m.cache.Take(h); ok {
		sid, err := m.resumeCached(ctx, rec, entry, fileIndex)
		if err == nil {
			m.persist()
			m.updateGauges()
			return sid, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			m.cache.Push(entry)
			return "", err
		}
		m.logger.Warn("cached session vanished, adding again",
			slog.Int64("handle", int64(h)),
			slog.String("sessionId", string(entry.SessionID)),
		)
		m.unbind(h, entry.SessionID)
		m.persist()
	}

	if rec.handle.Bound() && rec.fileIndex == fileIndex {
		session, err := m.engine.Get(ctx, rec.handle.SessionID)
		if err == nil {
			if err := session.Unpause(); err != nil {
				return "", err
			}
			return rec.handle.SessionID, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
	}

	sid, err := m.engine.Add(ctx, rec.handle.Source, domain.AddOptions{
		OnlyFiles: []int{fileIndex},
		Overwrite: true,
	})
	if err != nil {
		return "", err
	}
	m.bind(h, sid, fileIndex)
	m.invalidate(sid)
	m.updateGauges()

	m.logger.Info("session activated",
		slog.Int64("handle", int64(h)),
		slog.String("sessionId", string(sid)),
		slog.Int("fileIndex", fileIndex),
	)
	return sid, nil
}

func (m *Manager) resumeCached(ctx context.Context, rec record, entry domain.CachedEntry, fileIndex int) (domain.SessionID, error) {
	session, err := m.engine.Get(ctx, entry.SessionID)
	if err != nil {
		return "", err
	}
	if rec.fileIndex != fileIndex {
		// Same source, so the engine keeps the session id and its metadata.
		sid, err := m.engine.Add(ctx, rec.handle.Source, domain.AddOptions{OnlyFiles: []int{fileIndex}})
		if err != nil {
			return "", err
		}
		if sid != entry.SessionID {
			return "", fmt.Errorf("cached session %s rebound as %s: %w", entry.SessionID, sid, domain.ErrSessionNotFound)
		}
	} else if err := session.Unpause(); err != nil {
		return "", err
	}
	m.bind(rec.handle.ID, entry.SessionID, fileIndex)
	m.logger.Info("cached session resumed",
		slog.Int64("handle", int64(rec.handle.ID)),
		slog.String("sessionId", string(entry.SessionID)),
		slog.Int("fileIndex", fileIndex),
	)
	return entry.SessionID, nil
}

// Deactivate stops the handle's session. With purge the session and its
// files are deleted; otherwise the session is paused, its bytes removed and
// it is cached for a later resume.
func (m *Manager) Deactivate(ctx context.Context, h domain.HandleID, purge bool) error {
	rec, err := m.lookup(h)
	if err != nil {
		return err
	}
	if !rec.handle.Bound() {
		return nil
	}
	sid := rec.handle.SessionID

	if purge {
		m.cache.Take(h)
		if err := m.deleteSession(ctx, sid); err != nil {
			return err
		}
		m.unbind(h, sid)
		m.invalidate(sid)
		m.persist()
		m.updateGauges()
		return nil
	}

	if m.cache.Contains(h) {
		return nil
	}
	session, err := m.engine.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.unbind(h, sid)
			m.updateGauges()
		}
		return err
	}
	if err := session.Pause(); err != nil {
		return err
	}
	if err := session.PurgeData(); err != nil {
		return err
	}
	m.invalidate(sid)

	evicted := m.cache.Push(domain.CachedEntry{
		Handle:    h,
		SessionID: sid,
		SourceURI: rec.handle.Source.URI,
		CachedAt:  m.now(),
	})
	m.persist()
	for _, e := range evicted {
		m.evict(ctx, e)
	}
	m.updateGauges()

	m.logger.Info("session cached",
		slog.Int64("handle", int64(h)),
		slog.String("sessionId", string(sid)),
		slog.Int("evicted", len(evicted)),
	)
	return nil
}

// evict fully purges a session that fell off the cache.
func (m *Manager) evict(ctx context.Context, e domain.CachedEntry) {
	metrics.CacheEvictionsTotal.Inc()
	if err := m.deleteSession(ctx, e.SessionID); err != nil {
		m.logger.Warn("evicted session purge failed",
			slog.Int64("handle", int64(e.Handle)),
			slog.String("sessionId", string(e.SessionID)),
			slog.String("error", err.Error()),
		)
	}
	m.unbind(e.Handle, e.SessionID)
	m.invalidate(e.SessionID)
	m.logger.Info("cached session evicted",
		slog.Int64("handle", int64(e.Handle)),
		slog.String("sessionId", string(e.SessionID)),
	)
}

// Remove deletes the handle's session and forgets the handle.
func (m *Manager) Remove(ctx context.Context, h domain.HandleID, purge bool) error {
	rec, err := m.lookup(h)
	if err != nil {
		return err
	}
	if rec.handle.Bound() {
		sid := rec.handle.SessionID
		if err := m.deleteSessionWith(ctx, sid, purge); err != nil {
			return err
		}
		m.invalidate(sid)
	}
	wasCached := false
	if _, ok := m.cache.Take(h); ok {
		wasCached = true
	}

	m.handlesMu.Lock()
	delete(m.handles, h)
	m.handlesMu.Unlock()

	if wasCached {
		m.persist()
	}
	m.updateGauges()
	m.logger.Info("handle removed", slog.Int64("handle", int64(h)), slog.Bool("purge", purge))
	return nil
}

func (m *Manager) Pause(ctx context.Context, h domain.HandleID) error {
	rec, err := m.lookup(h)
	if err != nil {
		return err
	}
	if !rec.handle.Bound() {
		return nil
	}
	session, err := m.engine.Get(ctx, rec.handle.SessionID)
	if err != nil {
		return err
	}
	return session.Pause()
}

// Resume unpauses the handle's session. A cached handle leaves the cache.
func (m *Manager) Resume(ctx context.Context, h domain.HandleID) error {
	rec, err := m.lookup(h)
	if err != nil {
		return err
	}
	if !rec.handle.Bound() {
		return nil
	}
	session, err := m.engine.Get(ctx, rec.handle.SessionID)
	if err != nil {
		return err
	}
	if err := session.Unpause(); err != nil {
		return err
	}
	if _, ok := m.cache.Take(h); ok {
		m.persist()
		m.updateGauges()
	}
	return nil
}

// Info describes a handle. Unbound handles are served from their listing.
func (m *Manager) Info(ctx context.Context, h domain.HandleID) (domain.HandleInfo, error) {
	rec, err := m.lookup(h)
	if err != nil {
		return domain.HandleInfo{}, err
	}
	return m.info(ctx, rec), nil
}

func (m *Manager) List(ctx context.Context) []domain.HandleInfo {
	recs := m.snapshot()
	out := make([]domain.HandleInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, m.info(ctx, rec))
	}
	return out
}

func (m *Manager) info(ctx context.Context, rec record) domain.HandleInfo {
	listing := rec.handle.Listing
	info := domain.HandleInfo{
		Handle:    rec.handle.ID,
		SessionID: rec.handle.SessionID,
		Name:      listing.Name,
		Title:     releaseTitle(listing.Name),
		TotalSize: listing.TotalBytes,
		Files:     domain.MediaFiles(listing.Files),
		Paused:    true,
		State:     domain.HandlePaused,
	}
	if !rec.handle.Bound() {
		return info
	}
	session, err := m.engine.Get(ctx, rec.handle.SessionID)
	if err != nil {
		return info
	}
	stats := session.Stats()
	info.Files = domain.MediaFiles(session.Files())
	info.Progress = stats.ProgressPercent()
	info.DownloadSpeed = stats.DownloadSpeed
	info.UploadSpeed = stats.UploadSpeed
	info.Peers = stats.Peers
	info.Paused = stats.Paused
	switch {
	case stats.Paused:
		info.State = domain.HandlePaused
	case !stats.Live:
		info.State = domain.HandleChecking
	default:
		info.State = domain.HandleLive
	}
	return info
}

func releaseTitle(name string) string {
	if name == "" {
		return ""
	}
	if parsed := torrentname.Parse(name); parsed != nil && parsed.Title != "" {
		return parsed.Title
	}
	return name
}

// CleanupAll purges every session and drops the persisted cache. It runs
// once at shutdown.
func (m *Manager) CleanupAll(ctx context.Context) error {
	seen := make(map[domain.SessionID]struct{})
	var sids []domain.SessionID
	for _, rec := range m.snapshot() {
		if !rec.handle.Bound() {
			continue
		}
		if _, ok := seen[rec.handle.SessionID]; ok {
			continue
		}
		seen[rec.handle.SessionID] = struct{}{}
		sids = append(sids, rec.handle.SessionID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cleanupParallelism)
	for _, sid := range sids {
		g.Go(func() error {
			return m.deleteSession(gctx, sid)
		})
	}
	err := g.Wait()

	m.cache.Clear()
	m.handlesMu.Lock()
	for _, rec := range m.handles {
		rec.handle.SessionID = ""
		rec.fileIndex = noFile
	}
	m.handlesMu.Unlock()
	for _, sid := range sids {
		m.invalidate(sid)
	}

	if m.store != nil {
		m.persistMu.Lock()
		var serr error
		if r, ok := m.store.(interface{ Remove(context.Context) error }); ok {
			serr = r.Remove(ctx)
		} else {
			serr = m.store.Save(ctx, nil)
		}
		m.persistMu.Unlock()
		if serr != nil && err == nil {
			err = serr
		}
	}
	m.updateGauges()
	m.logger.Info("sessions cleaned up", slog.Int("sessions", len(sids)))
	return err
}

// Restore reloads the persisted cache. Each entry is re-added to the engine
// paused and kept only when the engine hands back the same session id.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	entries, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	kept := 0
	claimed := make(map[domain.SessionID]bool)
	// Back to front so pushing restores the original order.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if m.sessionBound(e.SessionID) {
			m.logger.Warn("cached entry dropped, session already in use",
				slog.Int64("handle", int64(e.Handle)),
				slog.String("sessionId", string(e.SessionID)),
			)
			continue
		}
		rec, ok := m.restoreEntry(ctx, e, claimed)
		if !ok {
			continue
		}
		if !m.adopt(rec) {
			m.logger.Warn("cached entry dropped, handle id in use",
				slog.Int64("handle", int64(e.Handle)),
				slog.String("sessionId", string(e.SessionID)),
			)
			if !claimed[e.SessionID] {
				_ = m.deleteSession(ctx, e.SessionID)
			}
			continue
		}
		claimed[e.SessionID] = true
		for _, ev := range m.cache.Push(e) {
			m.evict(ctx, ev)
		}
		kept++
	}

	if kept != len(entries) {
		m.persist()
	}
	m.updateGauges()
	m.logger.Info("session cache restored",
		slog.Int("entries", len(entries)),
		slog.Int("kept", kept),
	)
	return nil
}

// adopt inserts a restored record unless its id was handed out in the
// meantime. nextID is raised under the same lock Register allocates under.
func (m *Manager) adopt(rec record) bool {
	m.handlesMu.Lock()
	defer m.handlesMu.Unlock()
	id := rec.handle.ID
	if _, taken := m.handles[id]; taken {
		return false
	}
	if int64(id) > m.nextID.Load() {
		m.nextID.Store(int64(id))
	}
	m.handles[id] = &rec
	return true
}

func (m *Manager) sessionBound(sid domain.SessionID) bool {
	m.handlesMu.RLock()
	defer m.handlesMu.RUnlock()
	for _, rec := range m.handles {
		if rec.handle.SessionID == sid {
			return true
		}
	}
	return false
}

func (m *Manager) restoreEntry(ctx context.Context, e domain.CachedEntry, claimed map[domain.SessionID]bool) (record, bool) {
	log := m.logger.With(
		slog.Int64("handle", int64(e.Handle)),
		slog.String("sessionId", string(e.SessionID)),
	)
	src, err := domain.ParseSource(e.SourceURI)
	if err != nil {
		log.Warn("cached entry dropped", slog.String("error", err.Error()))
		return record{}, false
	}

	session, err := m.engine.Get(ctx, e.SessionID)
	if err != nil {
		sid, addErr := m.engine.Add(ctx, src, domain.AddOptions{Paused: true})
		if addErr != nil {
			log.Warn("cached entry dropped", slog.String("error", addErr.Error()))
			return record{}, false
		}
		if sid != e.SessionID {
			log.Warn("cached entry dropped, session id changed", slog.String("got", string(sid)))
			if !claimed[sid] {
				_ = m.deleteSession(ctx, sid)
			}
			return record{}, false
		}
		if session, err = m.engine.Get(ctx, sid); err != nil {
			log.Warn("cached entry dropped", slog.String("error", err.Error()))
			return record{}, false
		}
	} else if err := session.Pause(); err != nil {
		log.Warn("cached session pause failed", slog.String("error", err.Error()))
	}

	files := session.Files()
	listing := domain.Listing{Name: session.Name(), Files: files}
	for _, f := range files {
		listing.TotalBytes += f.Length
	}
	return record{
		handle: domain.Handle{
			ID:        e.Handle,
			Source:    src,
			SessionID: e.SessionID,
			Listing:   listing,
		},
		fileIndex: noFile,
	}, true
}

// SessionFor returns the session bound to h.
func (m *Manager) SessionFor(h domain.HandleID) (domain.SessionID, error) {
	rec, err := m.lookup(h)
	if err != nil {
		return "", err
	}
	if !rec.handle.Bound() {
		return "", fmt.Errorf("handle %d not activated: %w", h, domain.ErrSessionNotFound)
	}
	return rec.handle.SessionID, nil
}

func (m *Manager) Handle(h domain.HandleID) (domain.Handle, error) {
	rec, err := m.lookup(h)
	if err != nil {
		return domain.Handle{}, err
	}
	return rec.handle, nil
}

// Handles returns every known handle ordered by id.
func (m *Manager) Handles() []domain.Handle {
	recs := m.snapshot()
	out := make([]domain.Handle, len(recs))
	for i, rec := range recs {
		out[i] = rec.handle
	}
	return out
}

func (m *Manager) lookup(h domain.HandleID) (record, error) {
	m.handlesMu.RLock()
	defer m.handlesMu.RUnlock()
	rec, ok := m.handles[h]
	if !ok {
		return record{}, fmt.Errorf("%w: %d", domain.ErrHandleNotFound, h)
	}
	return *rec, nil
}

func (m *Manager) snapshot() []record {
	m.handlesMu.RLock()
	out := make([]record, 0, len(m.handles))
	for _, rec := range m.handles {
		out = append(out, *rec)
	}
	m.handlesMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].handle.ID < out[j].handle.ID })
	return out
}

func (m *Manager) bind(h domain.HandleID, sid domain.SessionID, fileIndex int) {
	m.handlesMu.Lock()
	if rec, ok := m.handles[h]; ok {
		rec.handle.SessionID = sid
		rec.fileIndex = fileIndex
	}
	m.handlesMu.Unlock()
}

// unbind clears h only while it still points at sid.
func (m *Manager) unbind(h domain.HandleID, sid domain.SessionID) {
	m.handlesMu.Lock()
	if rec, ok := m.handles[h]; ok && rec.handle.SessionID == sid {
		rec.handle.SessionID = ""
		rec.fileIndex = noFile
	}
	m.handlesMu.Unlock()
}

func (m *Manager) deleteSession(ctx context.Context, sid domain.SessionID) error {
	return m.deleteSessionWith(ctx, sid, true)
}

func (m *Manager) deleteSessionWith(ctx context.Context, sid domain.SessionID, purge bool) error {
	session, err := m.engine.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	return session.Delete(purge)
}

func (m *Manager) invalidate(sid domain.SessionID) {
	m.handlesMu.RLock()
	invs := append([]Invalidator(nil), m.invalidators...)
	m.handlesMu.RUnlock()
	for _, inv := range invs {
		inv.Invalidate(sid)
	}
}

// persist writes the cache in the background when a task sink is set.
// The snapshot is taken at write time so the last write always wins.
func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	save := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, persistTimeout)
		defer cancel()
		m.persistMu.Lock()
		defer m.persistMu.Unlock()
		return m.store.Save(ctx, m.cache.Entries())
	}
	if m.tasks != nil {
		m.tasks.Go("cache-persist", save)
		return
	}
	if err := save(context.Background()); err != nil {
		m.logger.Warn("session cache persist failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) updateGauges() {
	active := 0
	m.handlesMu.RLock()
	for id, rec := range m.handles {
		if rec.handle.Bound() && !m.cache.Contains(id) {
			active++
		}
	}
	m.handlesMu.RUnlock()
	metrics.ActiveSessions.Set(float64(active))
	metrics.CachedSessions.Set(float64(m.cache.Len()))
}
