package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "torrentcast/internal/api/http"
	"torrentcast/internal/app"
	"torrentcast/internal/domain"
	domainports "torrentcast/internal/domain/ports"
	"torrentcast/internal/metrics"
	boltrepo "torrentcast/internal/repository/bolt"
	"torrentcast/internal/repository/file"
	mongorepo "torrentcast/internal/repository/mongo"
	"torrentcast/internal/services/media"
	"torrentcast/internal/services/session/lifecycle"
	"torrentcast/internal/services/tasks"
	"torrentcast/internal/services/torrent/engine/anacrolix"
	"torrentcast/internal/services/torrent/engine/ffprobe"
	"torrentcast/internal/services/transcode"
	"torrentcast/internal/telemetry"
	"torrentcast/internal/usecase"
)

const (
	serviceName       = "torrentcast"
	metadataCacheTTL  = 24 * time.Hour
	storageScanTTL    = 30 * time.Second
	monitorInterval   = 5 * time.Second
	broadcastInterval = 2 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP streaming server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	serveCmd.Flags().String("data-dir", "", "download directory (overrides DATA_DIR)")
	serveCmd.Flags().String("public-base-url", "", "absolute URL prefix for stream links (overrides PUBLIC_BASE_URL)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := app.LoadConfig()
	cfg.HTTPAddr = stringFlag(cmd, "addr", cfg.HTTPAddr)
	cfg.DataDir = stringFlag(cmd, "data-dir", cfg.DataDir)
	cfg.PublicBaseURL = stringFlag(cmd, "public-base-url", cfg.PublicBaseURL)
	cfg.LogLevel = stringFlag(cmd, "log-level", cfg.LogLevel)
	cfg.LogFormat = stringFlag(cmd, "log-format", cfg.LogFormat)
	cfg.ResolveDirs()

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("dataDir", cfg.DataDir),
		slog.String("stateDir", cfg.StateDir),
		slog.Int("cacheCapacity", cfg.CacheCapacity),
		slog.Int("maxTranscodes", cfg.MaxTranscodes),
		slog.Bool("mongo", cfg.MongoURI != ""),
		slog.Bool("redis", cfg.RedisURL != ""),
	)

	for _, dir := range []string{cfg.DataDir, cfg.StateDir, cfg.FontsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	library, err := openLibrary(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := library.Close(context.Background()); err != nil {
			logger.Warn("library close error", slog.String("error", err.Error()))
		}
	}()

	remote, closeRedis, err := openRedisCache(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:         cfg.DataDir,
		MetadataTimeout: cfg.MetadataTimeout,
		HTTPClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	sink := tasks.NewSink(logger, 64)
	go sink.Drain(rootCtx)

	prober := media.NewProber(engine, ffprobe.New(cfg.FFProbePath), media.NewMetadataCache(), media.ProberConfig{
		ScratchDir:  cfg.ScratchDir(),
		SampleBytes: cfg.ProbeSampleBytes,
		MinBytes:    cfg.ProbeMinBytes,
		MaxProbes:   cfg.MaxProbes,
		Remote:      remote,
		Logger:      logger,
	})
	subtitles := media.NewSubtitles(engine, media.NewFFmpegExtractor(cfg.FFMPEGPath), media.SubtitlesConfig{
		CacheDir:    cfg.SubtitleDir(),
		SampleBytes: cfg.SubtitleSampleBytes,
		Tasks:       sink,
		Logger:      logger,
	})

	registry := transcode.NewRegistry()
	monitor := transcode.NewMonitor(monitorInterval, logger)
	go monitor.Run(rootCtx)
	pipeline := transcode.NewPipeline(engine,
		transcode.NewAudioFactory(cfg.FFMPEGPath, cfg.AudioBitrate),
		registry, prober,
		transcode.PipelineConfig{
			MaxTranscodes: cfg.MaxTranscodes,
			Monitor:       monitor,
			Logger:        logger,
		})

	manager := lifecycle.NewManager(engine, lifecycle.Config{
		CacheCapacity: cfg.CacheCapacity,
		Store:         file.NewCacheStore(cfg.CacheFile()),
		Tasks:         sink,
		Invalidators:  []lifecycle.Invalidator{prober, subtitles, registry},
		Logger:        logger,
	})
	// Restored handles keep their ids, so this finishes before any client
	// can register.
	if err := manager.Restore(rootCtx); err != nil {
		logger.Warn("session cache restore failed", slog.String("error", err.Error()))
	}

	go usecase.DiskPressure{
		Handles:      manager,
		Logger:       logger,
		DataDir:      cfg.DataDir,
		MinFreeBytes: cfg.DiskMinFreeBytes,
	}.Run(rootCtx)

	handler := apihttp.NewServer(engine,
		apihttp.WithHandles(manager),
		apihttp.WithMetadata(prober),
		apihttp.WithSubtitles(subtitles),
		apihttp.WithTranscoder(pipeline, registry),
		apihttp.WithLibrary(library),
		apihttp.WithStorageUsage(app.NewStorageScanner(cfg.DataDir, cfg.StateDir, storageScanTTL)),
		apihttp.WithFontsDir(cfg.FontsDir),
		apihttp.WithPublicBaseURL(cfg.PublicBaseURL),
		apihttp.WithReadyBytes(cfg.ReadyBufferBytes),
		apihttp.WithStreamReadahead(cfg.StreamReadahead),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		apihttp.WithLogger(logger),
	)
	manager.AddInvalidator(lifecycle.InvalidatorFunc(func(domain.SessionID) {
		handler.BroadcastHandles(context.WithoutCancel(rootCtx))
	}))
	go handler.RunBroadcaster(rootCtx, broadcastInterval)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	var serveErr error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			serveErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	handler.Close()
	pipeline.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := manager.CleanupAll(shutdownCtx); err != nil {
		logger.Warn("session cleanup error", slog.String("error", err.Error()))
	}
	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	sink.Close()

	logger.Info("server stopped")
	return serveErr
}

// openLibrary picks MongoDB when MONGO_URI is set and the embedded bolt file
// otherwise.
func openLibrary(ctx context.Context, cfg app.Config, logger *slog.Logger) (domainports.LibraryStore, error) {
	if cfg.MongoURI == "" {
		store, err := boltrepo.Open(cfg.LibraryFile())
		if err != nil {
			return nil, fmt.Errorf("open library: %w", err)
		}
		logger.Info("library opened", slog.String("backend", "bolt"), slog.String("path", cfg.LibraryFile()))
		return store, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	store := mongorepo.NewStore(client, cfg.MongoDatabase)
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	logger.Info("library opened", slog.String("backend", "mongo"), slog.String("database", cfg.MongoDatabase))
	return store, nil
}

// openRedisCache returns a nil cache without REDIS_URL. An unreachable
// server only logs: probes then fall back to the in-process cache.
func openRedisCache(ctx context.Context, cfg app.Config, logger *slog.Logger) (media.RemoteCache, func(), error) {
	if cfg.RedisURL == "" {
		return nil, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close error", slog.String("error", err.Error()))
		}
	}
	cache := media.NewRedisCache(client, metadataCacheTTL)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		logger.Warn("redis ping failed", slog.String("error", err.Error()))
	}
	return cache, closeFn, nil
}
