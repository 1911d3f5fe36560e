package apihttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrentcast/internal/app"
	"torrentcast/internal/domain"
	domainports "torrentcast/internal/domain/ports"
	"torrentcast/internal/metrics"
	"torrentcast/internal/usecase"
)

// HandleService is the lifecycle manager as seen by the HTTP layer.
type HandleService interface {
	Register(ctx context.Context, uri string) (domain.HandleID, error)
	Activate(ctx context.Context, h domain.HandleID, fileIndex int) (domain.SessionID, error)
	Deactivate(ctx context.Context, h domain.HandleID, purge bool) error
	Remove(ctx context.Context, h domain.HandleID, purge bool) error
	Pause(ctx context.Context, h domain.HandleID) error
	Resume(ctx context.Context, h domain.HandleID) error
	Info(ctx context.Context, h domain.HandleID) (domain.HandleInfo, error)
	List(ctx context.Context) []domain.HandleInfo
	Handle(h domain.HandleID) (domain.Handle, error)
}

type MetadataService interface {
	Metadata(ctx context.Context, sid domain.SessionID, fileIndex int) (domain.MediaMetadata, error)
	Cached(sid domain.SessionID, fileIndex int) (domain.MediaMetadata, bool)
}

type SubtitleService interface {
	Extract(ctx context.Context, sid domain.SessionID, fileIndex, track int) ([]byte, error)
}

type AudioTranscoder interface {
	StreamAudio(ctx context.Context, sid domain.SessionID, fileIndex, track int, w io.Writer) error
}

type StorageReporter interface {
	Usage() app.StorageUsage
}

type TranscodeStates interface {
	usecase.TranscodeLookup
	Active() int
}

const (
	defaultStreamReadahead int64 = 16 << 20
	defaultBroadcastEvery        = 2 * time.Second
)

type Server struct {
	engine         domainports.Engine
	handles        HandleService
	metadata       MetadataService
	subtitles      SubtitleService
	transcoder     AudioTranscoder
	transcodes     TranscodeStates
	library        domainports.LibraryStore
	storage        StorageReporter
	fontsDir       string
	publicBaseURL  string
	readyBytes     int64
	readahead      int64
	allowedOrigins []string
	rateRPS        float64
	rateBurst      int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithHandles(svc HandleService) ServerOption {
	return func(s *Server) {
		s.handles = svc
	}
}

func WithMetadata(svc MetadataService) ServerOption {
	return func(s *Server) {
		s.metadata = svc
	}
}

func WithSubtitles(svc SubtitleService) ServerOption {
	return func(s *Server) {
		s.subtitles = svc
	}
}

// WithTranscoder wires live audio transcoding and the state it publishes.
func WithTranscoder(t AudioTranscoder, states TranscodeStates) ServerOption {
	return func(s *Server) {
		s.transcoder = t
		s.transcodes = states
	}
}

func WithLibrary(store domainports.LibraryStore) ServerOption {
	return func(s *Server) {
		s.library = store
	}
}

// WithStorageUsage adds data directory usage to health reports.
func WithStorageUsage(r StorageReporter) ServerOption {
	return func(s *Server) {
		s.storage = r
	}
}

func WithFontsDir(dir string) ServerOption {
	return func(s *Server) {
		s.fontsDir = strings.TrimSpace(dir)
	}
}

// WithPublicBaseURL fixes the prefix of stream URLs handed to players. When
// unset the request's own scheme and host are used.
func WithPublicBaseURL(base string) ServerOption {
	return func(s *Server) {
		s.publicBaseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

func WithReadyBytes(n int64) ServerOption {
	return func(s *Server) {
		s.readyBytes = n
	}
}

func WithStreamReadahead(n int64) ServerOption {
	return func(s *Server) {
		s.readahead = n
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(engine domainports.Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:    engine,
		readahead: defaultStreamReadahead,
		rateRPS:   100,
		rateBurst: 200,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/", s.handleSessionByID)
	mux.HandleFunc("/handles", s.handleHandles)
	mux.HandleFunc("/handles/", s.handleHandleByID)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/watch-history", s.handleWatchHistory)
	mux.HandleFunc("/fonts", s.handleFonts)
	mux.HandleFunc("/fonts/", s.handleFontByName)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "torrentcast",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// BroadcastHandles pushes every handle's info to connected WebSocket clients.
func (s *Server) BroadcastHandles(ctx context.Context) {
	if s.wsHub == nil || s.handles == nil {
		return
	}
	s.wsHub.Broadcast("handles", s.handles.List(ctx))
}

func (s *Server) BroadcastHealth(ctx context.Context) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast("health", s.buildHealth(ctx))
}

// RunBroadcaster publishes handle infos and health on every tick until ctx
// is cancelled. Nothing is marshalled while no client is connected.
func (s *Server) RunBroadcaster(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultBroadcastEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recordSwarmMetrics(ctx)
			if s.wsHub.clientCount() == 0 {
				continue
			}
			s.BroadcastHandles(ctx)
			s.BroadcastHealth(ctx)
		}
	}
}

// recordSwarmMetrics sums transfer rates and peers over all handles.
func (s *Server) recordSwarmMetrics(ctx context.Context) {
	if s.handles == nil {
		return
	}
	var down, up int64
	var peers int
	for _, info := range s.handles.List(ctx) {
		down += info.DownloadSpeed
		up += info.UploadSpeed
		peers += info.Peers
	}
	metrics.DownloadSpeedBytes.Set(float64(down))
	metrics.UploadSpeedBytes.Set(float64(up))
	metrics.PeersConnected.Set(float64(peers))
}

// Close disconnects all WebSocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
