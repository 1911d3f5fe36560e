package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
	"torrentcast/internal/metrics"
)

const (
	defaultMaxTranscodes    = 4
	defaultProgressInterval = time.Second
	streamReadahead         = 16 << 20
	copyChunk               = 32 << 10
	// Progress stays below 100 until the transform exits cleanly.
	maxLiveProgress = 99
)

var ErrPipelineClosed = errors.New("transcode pipeline closed")

// MetadataSource provides the probed duration used to turn transformer
// output time into a percentage.
type MetadataSource interface {
	Cached(sid domain.SessionID, fileIndex int) (domain.MediaMetadata, bool)
}

type PipelineConfig struct {
	MaxTranscodes    int
	ProgressInterval time.Duration
	Monitor          *Monitor
	Logger           *slog.Logger
}

// Pipeline streams live audio transcodes of engine files to writers.
type Pipeline struct {
	engine   ports.Engine
	factory  Factory
	registry *Registry
	meta     MetadataSource
	monitor  *Monitor
	logger   *slog.Logger
	sem      *semaphore.Weighted
	interval time.Duration

	mu      sync.Mutex
	closed  bool
	nextID  int
	cancels map[int]context.CancelFunc
	wg      sync.WaitGroup
}

func NewPipeline(engine ports.Engine, factory Factory, registry *Registry, meta MetadataSource, cfg PipelineConfig) *Pipeline {
	if registry == nil {
		registry = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTranscodes := cfg.MaxTranscodes
	if maxTranscodes <= 0 {
		maxTranscodes = defaultMaxTranscodes
	}
	interval := cfg.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	return &Pipeline{
		engine:   engine,
		factory:  factory,
		registry: registry,
		meta:     meta,
		monitor:  cfg.Monitor,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(maxTranscodes)),
		interval: interval,
		cancels:  make(map[int]context.CancelFunc),
	}
}

func (p *Pipeline) Registry() *Registry { return p.registry }

// StreamAudio transcodes one audio track of a session file and writes the
// output to w as it is produced. It returns when the transform exits, the
// writer fails or ctx is cancelled.
func (p *Pipeline) StreamAudio(ctx context.Context, sid domain.SessionID, fileIndex, track int, w io.Writer) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id, err := p.attach(cancel)
	if err != nil {
		return err
	}
	defer p.detach(id)

	ctx, span := otel.Tracer("torrentcast/transcode").Start(ctx, "transcode.stream_audio")
	span.SetAttributes(
		attribute.String("session.id", string(sid)),
		attribute.Int("file.index", fileIndex),
		attribute.Int("audio.track", track),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	session, err := p.engine.Get(ctx, sid)
	if err != nil {
		return err
	}
	files := session.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return fmt.Errorf("%w: %d", domain.ErrFileIndexOutOfRange, fileIndex)
	}
	if p.meta != nil {
		if meta, ok := p.meta.Cached(sid, fileIndex); ok {
			if _, found := meta.AudioTrack(track); !found {
				return fmt.Errorf("audio track %d: %w", track, domain.ErrNotFound)
			}
		}
	}

	reader, err := session.Stream(fileIndex)
	if err != nil {
		return err
	}
	defer reader.Close()
	reader.SetContext(ctx)
	reader.SetReadahead(streamReadahead)

	t := p.factory(track)
	if err := t.Start(ctx); err != nil {
		metrics.TranscodeFailuresTotal.Inc()
		return err
	}

	key := domain.TranscodeKey{SessionID: sid, FileIndex: fileIndex, Track: track}
	p.registry.Begin(key)
	metrics.TranscodeStartsTotal.Inc()
	metrics.ActiveTranscodes.Inc()
	defer metrics.ActiveTranscodes.Dec()

	if pider, ok := t.(interface{ Pid() int }); ok && p.monitor != nil {
		untrack := p.monitor.Track(pider.Pid())
		defer untrack()
	}

	logger := p.logger.With(
		slog.String("sessionId", string(sid)),
		slog.Int("fileIndex", fileIndex),
		slog.Int("track", track),
	)
	logger.Info("audio transcode started")

	pumpDone := make(chan error, 1)
	go func() {
		_, perr := Pump(ctx, reader, t.Stdin())
		pumpDone <- perr
	}()

	progressDone := make(chan struct{})
	go p.reportProgress(key, t, progressDone)

	written, copyErr := copyFlush(w, t.Stdout())
	metrics.TranscodeBytesTotal.Add(float64(written))
	if copyErr != nil {
		cancel()
		t.Kill()
	}
	waitErr := t.Wait()
	close(progressDone)
	abortErr := ctx.Err()
	cancel()
	pumpErr := <-pumpDone

	switch {
	case copyErr != nil || abortErr != nil:
		p.registry.Release(key)
		logger.Info("audio transcode detached", slog.Int64("bytes", written))
		if copyErr != nil {
			return copyErr
		}
		return abortErr
	case waitErr != nil:
		p.registry.Fail(key, waitErr)
		metrics.TranscodeFailuresTotal.Inc()
		logger.Warn("audio transcode failed", slog.String("error", waitErr.Error()))
		return waitErr
	case pumpErr != nil && !errors.Is(pumpErr, context.Canceled):
		failure := fmt.Errorf("%w: source read: %v", domain.ErrIO, pumpErr)
		p.registry.Fail(key, failure)
		metrics.TranscodeFailuresTotal.Inc()
		logger.Warn("audio transcode input failed", slog.String("error", pumpErr.Error()))
		return failure
	default:
		p.registry.Complete(key)
		logger.Info("audio transcode completed", slog.Int64("bytes", written))
		return nil
	}
}

func (p *Pipeline) reportProgress(key domain.TranscodeKey, t Transform, done <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if pct, ok := p.progress(key, t.Progress()); ok {
				p.registry.Update(key, pct)
			}
		}
	}
}

func (p *Pipeline) progress(key domain.TranscodeKey, produced time.Duration) (float64, bool) {
	if p.meta == nil {
		return 0, false
	}
	meta, ok := p.meta.Cached(key.SessionID, key.FileIndex)
	if !ok {
		return 0, false
	}
	total := meta.DurationSeconds()
	if total <= 0 {
		return 0, false
	}
	pct := produced.Seconds() / total * 100
	if pct > maxLiveProgress {
		pct = maxLiveProgress
	}
	return pct, true
}

func (p *Pipeline) attach(cancel context.CancelFunc) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPipelineClosed
	}
	p.nextID++
	p.cancels[p.nextID] = cancel
	p.wg.Add(1)
	return p.nextID, nil
}

func (p *Pipeline) detach(id int) {
	p.mu.Lock()
	delete(p.cancels, id)
	p.mu.Unlock()
	p.wg.Done()
}

// Close cancels every running transcode and waits for them to unwind.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

type flusher interface {
	Flush()
}

// copyFlush copies src to dst, flushing after every chunk when dst supports
// it so clients receive audio as soon as it is encoded.
func copyFlush(dst io.Writer, src io.Reader) (int64, error) {
	f, canFlush := dst.(flusher)
	buf := make([]byte, copyChunk)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
			if canFlush {
				f.Flush()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}
