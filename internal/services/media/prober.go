package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
	"torrentcast/internal/metrics"
	"torrentcast/internal/services/torrent/engine/ffprobe"
)

const (
	defaultSampleBytes int64 = 100 << 20
	defaultMinBytes    int64 = 10 << 20
	defaultMaxProbes         = 2
	defaultProbeWait         = 5 * time.Minute
	defaultIdleWait          = 30 * time.Second
)

// ProbeRunner inspects a media file on disk.
type ProbeRunner interface {
	Probe(ctx context.Context, path string) (ffprobe.Result, error)
}

type ProberConfig struct {
	ScratchDir  string
	SampleBytes int64
	MinBytes    int64
	MaxProbes   int
	// Timeout bounds one sample-and-probe run, including waiting on peers.
	Timeout time.Duration
	// IdleWait ends the copy from the engine stream once no bytes arrived
	// for that long. Whatever arrived by then is judged against MinBytes.
	IdleWait time.Duration
	Sampler  Sampler
	Remote   RemoteCache
	Logger   *slog.Logger
}

type inflight struct {
	done chan struct{}
	meta domain.MediaMetadata
	err  error
}

// Prober samples an engine stream to a scratch file, probes it and caches
// the classified result per (session, file).
type Prober struct {
	engine  ports.Engine
	runner  ProbeRunner
	cache   *MetadataCache
	remote  RemoteCache
	sampler Sampler
	sem     *semaphore.Weighted
	logger  *slog.Logger

	scratchDir  string
	sampleBytes int64
	minBytes    int64
	timeout     time.Duration
	idleWait    time.Duration

	mu      sync.Mutex
	pending map[cacheKey]*inflight
}

func NewProber(engine ports.Engine, runner ProbeRunner, cache *MetadataCache, cfg ProberConfig) *Prober {
	p := &Prober{
		engine:      engine,
		runner:      runner,
		cache:       cache,
		remote:      cfg.Remote,
		sampler:     cfg.Sampler,
		logger:      cfg.Logger,
		scratchDir:  cfg.ScratchDir,
		sampleBytes: cfg.SampleBytes,
		minBytes:    cfg.MinBytes,
		timeout:     cfg.Timeout,
		idleWait:    cfg.IdleWait,
		pending:     make(map[cacheKey]*inflight),
	}
	if p.cache == nil {
		p.cache = NewMetadataCache()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.scratchDir == "" {
		p.scratchDir = os.TempDir()
	}
	if p.sampleBytes <= 0 {
		p.sampleBytes = defaultSampleBytes
	}
	if p.minBytes <= 0 {
		p.minBytes = defaultMinBytes
	}
	if p.timeout <= 0 {
		p.timeout = defaultProbeWait
	}
	if p.idleWait <= 0 {
		p.idleWait = defaultIdleWait
	}
	maxProbes := cfg.MaxProbes
	if maxProbes <= 0 {
		maxProbes = defaultMaxProbes
	}
	p.sem = semaphore.NewWeighted(int64(maxProbes))
	return p
}

// Cached returns the most recent metadata without probing.
func (p *Prober) Cached(sid domain.SessionID, fileIndex int) (domain.MediaMetadata, bool) {
	return p.cache.Get(sid, fileIndex)
}

func (p *Prober) Invalidate(sid domain.SessionID) {
	p.cache.Invalidate(sid)
	if p.remote != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.remote.Invalidate(ctx, sid); err != nil {
			p.logger.Warn("remote metadata invalidate failed",
				slog.String("sessionId", string(sid)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Metadata returns cached metadata or probes the file. Concurrent callers for
// the same (session, file) share a single probe.
func (p *Prober) Metadata(ctx context.Context, sid domain.SessionID, fileIndex int) (domain.MediaMetadata, error) {
	if meta, ok := p.cache.Get(sid, fileIndex); ok {
		metrics.MetadataCacheHitsTotal.WithLabelValues("memory").Inc()
		return meta, nil
	}
	if p.remote != nil {
		meta, ok, err := p.remote.Get(ctx, sid, fileIndex)
		if err != nil {
			p.logger.Warn("remote metadata lookup failed",
				slog.String("sessionId", string(sid)),
				slog.Int("fileIndex", fileIndex),
				slog.String("error", err.Error()),
			)
		} else if ok {
			metrics.MetadataCacheHitsTotal.WithLabelValues("redis").Inc()
			p.cache.Put(sid, fileIndex, meta)
			return meta, nil
		}
	}

	key := cacheKey{sid, fileIndex}
	p.mu.Lock()
	if call, ok := p.pending[key]; ok {
		p.mu.Unlock()
		select {
		case <-call.done:
			return call.meta, call.err
		case <-ctx.Done():
			return domain.MediaMetadata{}, ctx.Err()
		}
	}
	call := &inflight{done: make(chan struct{})}
	p.pending[key] = call
	p.mu.Unlock()

	// The shared probe outlives any single caller's request.
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	call.meta, call.err = p.probe(probeCtx, sid, fileIndex)
	cancel()

	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
	close(call.done)

	return call.meta, call.err
}

func (p *Prober) probe(ctx context.Context, sid domain.SessionID, fileIndex int) (meta domain.MediaMetadata, err error) {
	ctx, span := otel.Tracer("torrentcast/media").Start(ctx, "media.probe")
	span.SetAttributes(
		attribute.String("session.id", string(sid)),
		attribute.Int("file.index", fileIndex),
	)
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, domain.ErrInsufficientData):
			result = "insufficient_data"
		case err != nil:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ProbesTotal.WithLabelValues(result).Inc()
		metrics.ProbeDuration.Observe(time.Since(start).Seconds())
		span.End()
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return domain.MediaMetadata{}, err
	}
	defer p.sem.Release(1)

	session, err := p.engine.Get(ctx, sid)
	if err != nil {
		return domain.MediaMetadata{}, err
	}
	files := session.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return domain.MediaMetadata{}, fmt.Errorf("%w: %d", domain.ErrFileIndexOutOfRange, fileIndex)
	}
	fileLength := files[fileIndex].Length

	reader, err := session.Stream(fileIndex)
	if err != nil {
		return domain.MediaMetadata{}, err
	}
	defer reader.Close()
	guard := newIdleGuard(ctx, p.idleWait)
	defer guard.Stop()
	reader.SetContext(guard.Context())

	if err := os.MkdirAll(p.scratchDir, 0o755); err != nil {
		return domain.MediaMetadata{}, fmt.Errorf("%w: scratch dir: %v", domain.ErrIO, err)
	}
	scratch := filepath.Join(p.scratchDir, fmt.Sprintf("probe_%s_%d_%s.tmp", sid, fileIndex, uuid.NewString()))
	f, err := os.Create(scratch)
	if err != nil {
		return domain.MediaMetadata{}, fmt.Errorf("%w: create scratch: %v", domain.ErrIO, err)
	}
	defer os.Remove(scratch)

	limit := p.sampleBytes
	if fileLength > 0 && fileLength < limit {
		limit = fileLength
	}
	reader.SetReadahead(limit)
	written, sampleErr := p.sampler.Sample(guard.Context(), guard.Reader(reader), f, limit)
	if cerr := f.Close(); cerr != nil && sampleErr == nil {
		sampleErr = fmt.Errorf("%w: close scratch: %v", domain.ErrIO, cerr)
	}
	stalled := errors.Is(sampleErr, domain.ErrInsufficientData) ||
		(guard.Stalled() && ctx.Err() == nil)
	if sampleErr != nil && !stalled {
		return domain.MediaMetadata{}, sampleErr
	}

	// Files smaller than the minimum are fine once fully sampled.
	complete := fileLength > 0 && written >= fileLength
	if written < p.minBytes && !complete {
		return domain.MediaMetadata{}, fmt.Errorf("%w: sampled %d of %d bytes", domain.ErrInsufficientData, written, p.minBytes)
	}

	res, err := p.runner.Probe(ctx, scratch)
	if err != nil {
		return domain.MediaMetadata{}, err
	}
	meta = BuildMetadata(res, sid, fileIndex)

	p.cache.Put(sid, fileIndex, meta)
	if p.remote != nil {
		if err := p.remote.Set(ctx, sid, fileIndex, meta); err != nil {
			p.logger.Warn("remote metadata store failed",
				slog.String("sessionId", string(sid)),
				slog.String("error", err.Error()),
			)
		}
	}
	p.logger.Info("media probed",
		slog.String("sessionId", string(sid)),
		slog.Int("fileIndex", fileIndex),
		slog.Int64("sampledBytes", written),
		slog.Int("audioTracks", len(meta.AudioTracks)),
		slog.Bool("needsAudioTranscoding", meta.NeedsAudioTranscoding),
	)
	return meta, nil
}
