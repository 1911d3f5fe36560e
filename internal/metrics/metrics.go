package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentcast",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "torrentcast",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcast",
		Name:      "active_sessions",
		Help:      "Number of handles bound to a downloading session.",
	})

	CachedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcast",
		Name:      "cached_sessions",
		Help:      "Number of paused sessions held in the resume cache.",
	})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "torrentcast",
		Name:      "cache_evictions_total",
		Help:      "Total number of cached sessions purged to respect the cache bound.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcast",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcast",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcast",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})

	ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentcast",
		Name:      "probes_total",
		Help:      "Total media probes by result.",
	}, []string{"result"})

	ProbeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "torrentcast",
		Name:      "probe_duration_seconds",
		Help:      "Duration of sample-and-probe runs in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	MetadataCacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentcast",
		Name:      "metadata_cache_hits_total",
		Help:      "Media metadata cache hits by tier.",
	}, []string{"tier"})

	SubtitleExtractionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentcast",
		Name:      "subtitle_extractions_total",
		Help:      "Subtitle extractions by pass and result.",
	}, []string{"pass", "result"})

	ActiveTranscodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcast",
		Name:      "active_transcodes",
		Help:      "Number of live audio transcode pipes.",
	})

	TranscodeStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "torrentcast",
		Name:      "transcode_starts_total",
		Help:      "Total number of live audio transcodes started.",
	})

	TranscodeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "torrentcast",
		Name:      "transcode_failures_total",
		Help:      "Total number of live audio transcodes that ended with an error.",
	})

	TranscodeBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "torrentcast",
		Name:      "transcode_output_bytes_total",
		Help:      "Total bytes of transcoded audio written to clients.",
	})

	TranscodeCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcast",
		Name:      "transcode_cpu_percent",
		Help:      "Summed CPU usage of running ffmpeg transcoders.",
	})

	TranscodeRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcast",
		Name:      "transcode_rss_bytes",
		Help:      "Summed resident memory of running ffmpeg transcoders.",
	})

	DataDirFreeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcast",
		Name:      "data_dir_free_bytes",
		Help:      "Free space on the filesystem holding the download directory.",
	})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcast",
		Name:      "ws_clients",
		Help:      "Number of connected websocket clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		CachedSessions,
		CacheEvictionsTotal,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		ProbesTotal,
		ProbeDuration,
		MetadataCacheHitsTotal,
		SubtitleExtractionsTotal,
		ActiveTranscodes,
		TranscodeStartsTotal,
		TranscodeFailuresTotal,
		TranscodeBytesTotal,
		TranscodeCPUPercent,
		TranscodeRSSBytes,
		DataDirFreeBytes,
		WSClients,
	)
}
