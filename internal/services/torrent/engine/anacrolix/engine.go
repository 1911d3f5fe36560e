package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
)

// defaultMaxConns is the value restored when resuming a hard-paused torrent.
const defaultMaxConns = 35

const (
	// addTimeout caps how long we wait for the client to accept a source.
	// AddMagnet can block on the client mutex while another torrent is
	// resolving metadata.
	addTimeout             = 10 * time.Second
	defaultMetadataTimeout = 2 * time.Minute
	maxTorrentFileBytes    = 10 << 20
)

type Config struct {
	DataDir         string
	MetadataTimeout time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// managed is the engine's bookkeeping for one torrent. A listed torrent was
// only asked for metadata and has data transfer disabled; it becomes a
// session on Add.
type managed struct {
	t        *torrent.Torrent
	listed   bool
	selected []int
	paused   bool
	// verifying is set while a full hash check runs after a purge.
	verifying   bool
	needsVerify bool
}

type Engine struct {
	client          *torrent.Client
	dataDir         string
	metadataTimeout time.Duration
	httpClient      *http.Client
	logger          *slog.Logger

	mu       sync.RWMutex
	torrents map[domain.SessionID]*managed

	speedMu sync.Mutex
	speeds  map[domain.SessionID]speedSample
}

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	e := NewWithClient(client, cfg)
	e.dataDir = clientConfig.DataDir
	return e, nil
}

func NewWithClient(client *torrent.Client, cfg Config) *Engine {
	e := &Engine{
		client:          client,
		dataDir:         cfg.DataDir,
		metadataTimeout: cfg.MetadataTimeout,
		httpClient:      cfg.HTTPClient,
		logger:          cfg.Logger,
		torrents:        make(map[domain.SessionID]*managed),
		speeds:          make(map[domain.SessionID]speedSample),
	}
	if e.metadataTimeout <= 0 {
		e.metadataTimeout = defaultMetadataTimeout
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// ---------------------------------------------------------------------------
// Hard pause / resume
// ---------------------------------------------------------------------------

// hardPauseTorrent prevents all network activity for a torrent by disallowing
// data transfer and setting max connections to 0, which disconnects all peers.
func hardPauseTorrent(t *torrent.Torrent) {
	if t == nil {
		return
	}
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
}

// resumeTorrentForStreaming re-enables transfer and peer connections and
// resets every file priority to None so only the selection downloads.
func resumeTorrentForStreaming(t *torrent.Torrent) {
	if t == nil {
		return
	}
	t.SetMaxEstablishedConns(defaultMaxConns)
	t.AllowDataUpload()
	t.AllowDataDownload()
	if torrentInfoReady(t) {
		for _, f := range t.Files() {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}
}

// applySelection downloads only the chosen files, or everything when the
// selection is empty.
func applySelection(t *torrent.Torrent, selected []int) {
	if !torrentInfoReady(t) {
		return
	}
	if len(selected) == 0 {
		t.DownloadAll()
		return
	}
	files := t.Files()
	for _, idx := range selected {
		if idx >= 0 && idx < len(files) {
			files[idx].Download()
		}
	}
}

// ---------------------------------------------------------------------------
// Engine port
// ---------------------------------------------------------------------------

func (e *Engine) List(ctx context.Context, src domain.Source) (domain.Listing, error) {
	t, err := e.addSource(ctx, src)
	if err != nil {
		return domain.Listing{}, err
	}
	id := domain.SessionID(t.InfoHash().HexString())

	e.mu.Lock()
	m, exists := e.torrents[id]
	if !exists {
		m = &managed{t: t, listed: true}
		e.torrents[id] = m
		// Metadata still flows over ut_metadata; only piece data is blocked.
		t.DisallowDataDownload()
		t.DisallowDataUpload()
	}
	e.mu.Unlock()

	if err := e.waitForInfo(ctx, t); err != nil {
		if !exists {
			e.forget(id, t)
		}
		return domain.Listing{}, err
	}
	if !exists {
		for _, f := range t.Files() {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}

	files := mapFiles(t)
	listing := domain.Listing{Name: t.Name(), Files: files}
	for _, f := range files {
		listing.TotalBytes += f.Length
	}
	return listing, nil
}

func (e *Engine) Add(ctx context.Context, src domain.Source, opts domain.AddOptions) (domain.SessionID, error) {
	t, err := e.addSource(ctx, src)
	if err != nil {
		return "", err
	}
	id := domain.SessionID(t.InfoHash().HexString())

	e.mu.Lock()
	m, exists := e.torrents[id]
	if !exists {
		m = &managed{t: t}
		e.torrents[id] = m
	}
	e.mu.Unlock()

	if err := e.waitForInfo(ctx, t); err != nil {
		if !exists {
			e.forget(id, t)
		}
		return "", err
	}

	files := t.Files()
	for _, idx := range opts.OnlyFiles {
		if idx < 0 || idx >= len(files) {
			return "", fmt.Errorf("%w: %d", domain.ErrFileIndexOutOfRange, idx)
		}
	}

	e.mu.Lock()
	wasListed := m.listed
	m.listed = false
	if len(opts.OnlyFiles) > 0 || !exists || wasListed {
		m.selected = append([]int(nil), opts.OnlyFiles...)
	}
	if opts.Overwrite && (!exists || wasListed) {
		// Stale bytes from an earlier run are re-hashed before being trusted.
		m.needsVerify = true
	}
	m.paused = opts.Paused
	e.mu.Unlock()

	if opts.Paused {
		hardPauseTorrent(t)
		return id, nil
	}
	e.resume(id, m)
	return id, nil
}

func (e *Engine) Get(_ context.Context, id domain.SessionID) (ports.Session, error) {
	e.mu.RLock()
	m, ok := e.torrents[id]
	e.mu.RUnlock()
	if !ok || m.listed {
		return nil, domain.ErrSessionNotFound
	}
	return &Session{engine: e, id: id}, nil
}

func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// addSource hands src to the client off the caller's goroutine so a busy
// client can never block a request past addTimeout.
func (e *Engine) addSource(ctx context.Context, src domain.Source) (*torrent.Torrent, error) {
	if e.client == nil {
		return nil, errors.New("torrent client not configured")
	}

	var mi *metainfo.MetaInfo
	if src.Kind == domain.SourceURL {
		loaded, err := e.fetchMetainfo(ctx, src.URI)
		if err != nil {
			return nil, err
		}
		mi = loaded
	}

	ch := make(chan addResult, 1)
	go func() {
		var t *torrent.Torrent
		var err error
		switch src.Kind {
		case domain.SourceMagnet:
			t, err = e.client.AddMagnet(src.URI)
		case domain.SourceURL:
			t, err = e.client.AddTorrent(mi)
		default:
			t, err = e.client.AddTorrentFromFile(src.URI)
		}
		ch <- addResult{t, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnreachable, res.err)
		}
		return res.t, nil
	case <-time.After(addTimeout):
		go e.dropOrphan(ch)
		return nil, fmt.Errorf("%w: torrent client busy", domain.ErrSourceUnreachable)
	case <-ctx.Done():
		go e.dropOrphan(ch)
		return nil, ctx.Err()
	}
}

type addResult struct {
	t   *torrent.Torrent
	err error
}

// dropOrphan drops a torrent whose add completed after the caller gave up,
// unless it is already tracked.
func (e *Engine) dropOrphan(ch <-chan addResult) {
	res := <-ch
	if res.t == nil {
		return
	}
	id := domain.SessionID(res.t.InfoHash().HexString())
	e.mu.RLock()
	_, tracked := e.torrents[id]
	e.mu.RUnlock()
	if !tracked {
		res.t.Drop()
	}
}

func (e *Engine) fetchMetainfo(ctx context.Context, uri string) (*metainfo.MetaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnreachable, err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", domain.ErrSourceUnreachable, uri, resp.StatusCode)
	}
	mi, err := metainfo.Load(io.LimitReader(resp.Body, maxTorrentFileBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid torrent file: %v", domain.ErrSourceUnreachable, err)
	}
	return mi, nil
}

func (e *Engine) waitForInfo(ctx context.Context, t *torrent.Torrent) error {
	timer := time.NewTimer(e.metadataTimeout)
	defer timer.Stop()
	select {
	case <-t.GotInfo():
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: metadata not received within %s", domain.ErrSourceUnreachable, e.metadataTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) lookup(id domain.SessionID) (*managed, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.torrents[id]
	if !ok || m.listed {
		return nil, false
	}
	return m, true
}

func (e *Engine) resume(id domain.SessionID, m *managed) {
	e.mu.Lock()
	m.paused = false
	verify := m.needsVerify
	m.needsVerify = false
	if verify {
		m.verifying = true
	}
	selected := append([]int(nil), m.selected...)
	e.mu.Unlock()

	resumeTorrentForStreaming(m.t)
	applySelection(m.t, selected)
	if verify {
		go e.verify(id, m)
	}
}

func (e *Engine) verify(id domain.SessionID, m *managed) {
	start := time.Now()
	m.t.VerifyData()
	e.mu.Lock()
	m.verifying = false
	e.mu.Unlock()
	e.logger.Debug("torrent data verified",
		slog.String("sessionId", string(id)),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// filePaths resolves the on-disk paths of the given files (all files when
// indexes is empty).
func (e *Engine) filePaths(t *torrent.Torrent, indexes []int) []string {
	if !torrentInfoReady(t) {
		return nil
	}
	files := t.Files()
	targets := indexes
	if len(targets) == 0 {
		targets = make([]int, len(files))
		for i := range files {
			targets[i] = i
		}
	}
	paths := make([]string, 0, len(targets))
	for _, idx := range targets {
		if idx < 0 || idx >= len(files) {
			continue
		}
		paths = append(paths, filepath.Join(e.dataDir, filepath.FromSlash(files[idx].Path())))
	}
	return paths
}

func removePaths(paths []string) error {
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", domain.ErrIO, errors.Join(errs...))
	}
	return nil
}

func (e *Engine) forget(id domain.SessionID, t *torrent.Torrent) {
	e.mu.Lock()
	delete(e.torrents, id)
	e.mu.Unlock()
	e.forgetSpeed(id)
	if t != nil {
		t.Drop()
	}
	// Return memory to the OS promptly after dropping a torrent. Without
	// this the GC may hold freed piece state for a long time on small hosts.
	freeOSMemory()
}

// freeOSMemory triggers garbage collection and returns freed memory to the OS.
func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

func mapFiles(t *torrent.Torrent) (mapped []domain.FileRef) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
		})
	}
	return mapped
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

// piecesChecking reports whether any piece is queued for or undergoing a
// hash check.
func piecesChecking(t *torrent.Torrent) bool {
	if !torrentInfoReady(t) {
		return false
	}
	n := t.NumPieces()
	for i := 0; i < n; i++ {
		if t.PieceState(i).Checking {
			return true
		}
	}
	return false
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

func (e *Engine) sampleSpeed(id domain.SessionID, stats torrent.TorrentStats, now time.Time) (int64, int64) {
	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	e.speedMu.Lock()
	defer e.speedMu.Unlock()

	prev, ok := e.speeds[id]
	e.speeds[id] = speedSample{
		at:           now,
		bytesRead:    currentRead,
		bytesWritten: currentWritten,
	}

	if !ok || prev.at.IsZero() {
		return 0, 0
	}

	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}

	deltaRead := currentRead - prev.bytesRead
	deltaWritten := currentWritten - prev.bytesWritten
	if deltaRead < 0 {
		deltaRead = 0
	}
	if deltaWritten < 0 {
		deltaWritten = 0
	}

	download := int64(float64(deltaRead) / dt)
	upload := int64(float64(deltaWritten) / dt)
	return download, upload
}

func (e *Engine) forgetSpeed(id domain.SessionID) {
	e.speedMu.Lock()
	delete(e.speeds, id)
	e.speedMu.Unlock()
}
