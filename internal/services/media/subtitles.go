package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
	"torrentcast/internal/metrics"
	"torrentcast/internal/services/tasks"
	"torrentcast/internal/services/transcode"
)

const (
	defaultSubtitleSampleBytes int64 = 150 << 20
	defaultRefineWait                = 6 * time.Hour
	defaultRefinePoll                = 10 * time.Second
	defaultSubtitleIdleWait          = 30 * time.Second
)

// SourceOpener opens a fresh read of the media bytes. Each extraction pass
// calls it again because a stream cannot be rewound into a new process.
type SourceOpener func(ctx context.Context) (io.ReadCloser, error)

// SubtitleExtractor converts one subtitle track to ASS.
type SubtitleExtractor interface {
	Extract(ctx context.Context, open SourceOpener, track int) ([]byte, error)
}

// FFmpegExtractor pipes the source into ffmpeg. Stream copy is tried first
// and a conversion to ass is used when copy fails or yields nothing.
type FFmpegExtractor struct {
	binary string
}

func NewFFmpegExtractor(binary string) *FFmpegExtractor {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpegExtractor{binary: bin}
}

func SubtitleArgs(track int, codec string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-map", fmt.Sprintf("0:s:%d", track),
		"-c:s", codec,
		"-f", "ass",
		"pipe:1",
	}
}

func (x *FFmpegExtractor) Extract(ctx context.Context, open SourceOpener, track int) ([]byte, error) {
	var lastErr error
	for _, codec := range []string{"copy", "ass"} {
		out, err := x.run(ctx, open, track, codec)
		if err == nil && len(out) > 0 {
			return out, nil
		}
		if err != nil {
			if errors.Is(err, domain.ErrSubprocessSpawn) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
		}
	}
	return nil, lastErr
}

func (x *FFmpegExtractor) run(ctx context.Context, open SourceOpener, track int, codec string) ([]byte, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, err := open(runCtx)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	cmd := exec.CommandContext(runCtx, x.binary, SubtitleArgs(track, codec)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", domain.ErrSubprocessSpawn, err)
	}
	var stdout bytes.Buffer
	stderr := transcode.NewTailBuffer(0)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSubprocessSpawn, x.binary, err)
	}

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = io.Copy(stdin, src)
		stdin.Close()
	}()

	waitErr := cmd.Wait()
	cancel()
	<-copied

	if waitErr != nil {
		if tail := stderr.String(); tail != "" {
			return nil, fmt.Errorf("%w: %v: %s", domain.ErrSubprocessFailed, waitErr, tail)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSubprocessFailed, waitErr)
	}
	return stdout.Bytes(), nil
}

type SubtitlesConfig struct {
	CacheDir    string
	SampleBytes int64
	// RefineWait bounds how long a refinement waits for the download.
	RefineWait time.Duration
	RefinePoll time.Duration
	// IdleWait ends the first pass once the stream delivered nothing for
	// that long; extraction then runs on what arrived.
	IdleWait time.Duration
	Tasks    *tasks.Sink
	Logger   *slog.Logger
}

type subtitleKey struct {
	sessionID domain.SessionID
	fileIndex int
	track     int
}

// Subtitles extracts subtitle tracks as ASS and caches them on disk. A first
// pass works on the downloaded prefix; a background pass redoes it once the
// whole file is present.
type Subtitles struct {
	engine      ports.Engine
	extractor   SubtitleExtractor
	tasks       *tasks.Sink
	logger      *slog.Logger
	dir         string
	sampleBytes int64
	refineWait  time.Duration
	refinePoll  time.Duration
	idleWait    time.Duration

	mu          sync.Mutex
	refining    map[subtitleKey]struct{}
	generations map[domain.SessionID]int
}

func NewSubtitles(engine ports.Engine, extractor SubtitleExtractor, cfg SubtitlesConfig) *Subtitles {
	s := &Subtitles{
		engine:      engine,
		extractor:   extractor,
		tasks:       cfg.Tasks,
		logger:      cfg.Logger,
		dir:         cfg.CacheDir,
		sampleBytes: cfg.SampleBytes,
		refineWait:  cfg.RefineWait,
		refinePoll:  cfg.RefinePoll,
		idleWait:    cfg.IdleWait,
		refining:    make(map[subtitleKey]struct{}),
		generations: make(map[domain.SessionID]int),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.dir == "" {
		s.dir = filepath.Join(os.TempDir(), "torrentcast-subtitles")
	}
	if s.sampleBytes <= 0 {
		s.sampleBytes = defaultSubtitleSampleBytes
	}
	if s.refineWait <= 0 {
		s.refineWait = defaultRefineWait
	}
	if s.refinePoll <= 0 {
		s.refinePoll = defaultRefinePoll
	}
	if s.idleWait <= 0 {
		s.idleWait = defaultSubtitleIdleWait
	}
	return s
}

// CachePath is where the ASS text for a track is stored.
func (s *Subtitles) CachePath(sid domain.SessionID, fileIndex, track int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%d", sid, fileIndex, track)))
	name := fmt.Sprintf("%s_%d_%d_%s.ass", sid, fileIndex, track, hex.EncodeToString(sum[:])[:8])
	return filepath.Join(s.dir, name)
}

// Extract returns the subtitle track as ASS text.
func (s *Subtitles) Extract(ctx context.Context, sid domain.SessionID, fileIndex, track int) ([]byte, error) {
	path := s.CachePath(sid, fileIndex, track)
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		metrics.SubtitleExtractionsTotal.WithLabelValues("cache", "hit").Inc()
		return data, nil
	}

	session, err := s.engine.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	files := session.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, fmt.Errorf("%w: %d", domain.ErrFileIndexOutOfRange, fileIndex)
	}
	length := files[fileIndex].Length
	limit := s.sampleBytes
	if length > 0 && length < limit {
		limit = length
	}

	gen := s.generation(sid)
	src := &sampleSource{session: session, fileIndex: fileIndex, limit: limit, idle: s.idleWait}
	data, err := s.extractor.Extract(ctx, src.open, track)
	if err != nil {
		metrics.SubtitleExtractionsTotal.WithLabelValues("sample", "error").Inc()
		if src.stalled.Load() && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: stream stalled before the track was readable: %v", domain.ErrInsufficientData, err)
		}
		return nil, err
	}
	if len(data) == 0 {
		metrics.SubtitleExtractionsTotal.WithLabelValues("sample", "empty").Inc()
		return nil, fmt.Errorf("%w: no subtitle events in first %d bytes", domain.ErrInsufficientData, limit)
	}
	metrics.SubtitleExtractionsTotal.WithLabelValues("sample", "ok").Inc()

	if err := s.store(sid, gen, path, data); err != nil {
		s.logger.Warn("subtitle cache write failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
	if limit < length || src.stalled.Load() {
		s.scheduleRefine(subtitleKey{sessionID: sid, fileIndex: fileIndex, track: track}, gen)
	}
	return data, nil
}

// Invalidate removes cached tracks of a session and stops pending
// refinements from writing stale results.
func (s *Subtitles) Invalidate(sid domain.SessionID) {
	s.mu.Lock()
	s.generations[sid]++
	s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, string(sid)+"_*.ass"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("subtitle cache remove failed",
				slog.String("path", m),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Subtitles) generation(sid domain.SessionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[sid]
}

func (s *Subtitles) store(sid domain.SessionID, gen int, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generations[sid] != gen {
		return nil
	}
	return writeFileAtomic(path, data)
}

func (s *Subtitles) scheduleRefine(key subtitleKey, gen int) {
	if s.tasks == nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.refining[key]; ok {
		s.mu.Unlock()
		return
	}
	s.refining[key] = struct{}{}
	s.mu.Unlock()

	s.tasks.Go("subtitle-refine", func(ctx context.Context) error {
		defer func() {
			s.mu.Lock()
			delete(s.refining, key)
			s.mu.Unlock()
		}()
		return s.refine(ctx, key, gen)
	})
}

func (s *Subtitles) refine(ctx context.Context, key subtitleKey, gen int) error {
	ctx, cancel := context.WithTimeout(ctx, s.refineWait)
	defer cancel()

	session, err := s.waitFinished(ctx, key.sessionID)
	if err != nil {
		return err
	}
	files := session.Files()
	if key.fileIndex >= len(files) {
		return fmt.Errorf("%w: %d", domain.ErrFileIndexOutOfRange, key.fileIndex)
	}

	src := &sampleSource{session: session, fileIndex: key.fileIndex, limit: files[key.fileIndex].Length}
	data, err := s.extractor.Extract(ctx, src.open, key.track)
	if err != nil {
		metrics.SubtitleExtractionsTotal.WithLabelValues("full", "error").Inc()
		return err
	}
	if len(data) == 0 {
		metrics.SubtitleExtractionsTotal.WithLabelValues("full", "empty").Inc()
		return nil
	}
	metrics.SubtitleExtractionsTotal.WithLabelValues("full", "ok").Inc()
	if err := s.store(key.sessionID, gen, s.CachePath(key.sessionID, key.fileIndex, key.track), data); err != nil {
		return err
	}
	s.logger.Debug("subtitle track refined",
		slog.String("sessionId", string(key.sessionID)),
		slog.Int("fileIndex", key.fileIndex),
		slog.Int("track", key.track),
		slog.Int("bytes", len(data)),
	)
	return nil
}

func (s *Subtitles) waitFinished(ctx context.Context, sid domain.SessionID) (ports.Session, error) {
	ticker := time.NewTicker(s.refinePoll)
	defer ticker.Stop()
	for {
		session, err := s.engine.Get(ctx, sid)
		if err != nil {
			return nil, err
		}
		if session.Stats().Finished {
			return session, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// sampleSource opens bounded reads of one file. With an idle window set, a
// read that waits longer than the window for the next byte ends the stream
// as EOF, so the extractor works on what arrived.
type sampleSource struct {
	session   ports.Session
	fileIndex int
	limit     int64
	idle      time.Duration
	stalled   atomic.Bool
}

func (s *sampleSource) open(ctx context.Context) (io.ReadCloser, error) {
	reader, err := s.session.Stream(s.fileIndex)
	if err != nil {
		return nil, err
	}
	reader.SetReadahead(s.limit)
	if s.idle <= 0 {
		reader.SetContext(ctx)
		return sampleStream{Reader: io.LimitReader(reader, s.limit), closer: reader}, nil
	}
	guard := newIdleGuard(ctx, s.idle)
	reader.SetContext(guard.Context())
	return sampleStream{
		Reader: &stallCutoff{r: guard.Reader(io.LimitReader(reader, s.limit)), guard: guard, parent: ctx, stalled: &s.stalled},
		closer: reader,
		guard:  guard,
	}, nil
}

type sampleStream struct {
	io.Reader
	closer io.Closer
	guard  *idleGuard
}

func (l sampleStream) Close() error {
	if l.guard != nil {
		l.guard.Stop()
	}
	return l.closer.Close()
}

type stallCutoff struct {
	r       io.Reader
	guard   *idleGuard
	parent  context.Context
	stalled *atomic.Bool
}

func (c *stallCutoff) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && c.guard.Stalled() && c.parent.Err() == nil {
		c.stalled.Store(true)
		return n, io.EOF
	}
	return n, err
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return nil
}
