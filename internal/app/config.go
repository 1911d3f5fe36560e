// Package app holds process configuration loaded from the environment.
package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	LogLevel      string
	LogFormat     string

	DataDir  string
	StateDir string
	FontsDir string

	FFMPEGPath  string
	FFProbePath string

	CacheCapacity       int
	ProbeSampleBytes    int64
	ProbeMinBytes       int64
	MaxProbes           int
	SubtitleSampleBytes int64
	ReadyBufferBytes    int64
	StreamReadahead     int64
	AudioBitrate        string
	MaxTranscodes       int
	MetadataTimeout     time.Duration
	// DiskMinFreeBytes pauses downloads when free space on DataDir falls
	// below it. 0 only reports free space.
	DiskMinFreeBytes int64

	RedisURL      string
	MongoURI      string
	MongoDatabase string

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	OTLPEndpoint    string
	TraceSampleRate float64

	stateExplicit bool
	fontsExplicit bool
}

func LoadConfig() Config {
	cfg := Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "text")),

		DataDir:  getEnv("DATA_DIR", "data"),
		StateDir: getEnv("STATE_DIR", ""),
		FontsDir: getEnv("FONTS_DIR", ""),

		FFMPEGPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath: getEnv("FFPROBE_PATH", "ffprobe"),

		CacheCapacity:       int(getEnvInt64("CACHE_CAPACITY", 10)),
		ProbeSampleBytes:    getEnvInt64("PROBE_SAMPLE_BYTES", 100<<20),
		ProbeMinBytes:       getEnvInt64("PROBE_MIN_BYTES", 10<<20),
		MaxProbes:           int(getEnvInt64("MAX_PROBES", 2)),
		SubtitleSampleBytes: getEnvInt64("SUBTITLE_SAMPLE_BYTES", 150<<20),
		ReadyBufferBytes:    getEnvInt64("READY_BUFFER_BYTES", 2<<20),
		StreamReadahead:     getEnvInt64("STREAM_READAHEAD_BYTES", 16<<20),
		AudioBitrate:        getEnv("AUDIO_BITRATE", "192k"),
		MaxTranscodes:       int(getEnvInt64("MAX_TRANSCODES", 4)),
		MetadataTimeout:     time.Duration(getEnvInt64("METADATA_TIMEOUT_SECONDS", 60)) * time.Second,
		DiskMinFreeBytes:    getEnvInt64("DISK_MIN_FREE_BYTES", 0),

		RedisURL:      getEnv("REDIS_URL", ""),
		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DB", "torrentcast"),

		CORSAllowedOrigins: parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 100),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", 200)),

		OTLPEndpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		TraceSampleRate: getEnvFloat("OTEL_TRACE_SAMPLE_RATE", 0.1),
	}
	cfg.stateExplicit = cfg.StateDir != ""
	cfg.fontsExplicit = cfg.FontsDir != ""
	cfg.ResolveDirs()
	return cfg
}

// ResolveDirs derives the state and fonts directories from DataDir when
// they were not set explicitly. Call it again after overriding DataDir.
func (c *Config) ResolveDirs() {
	if !c.stateExplicit {
		c.StateDir = filepath.Join(c.DataDir, ".torrentcast")
	}
	if !c.fontsExplicit {
		c.FontsDir = filepath.Join(c.StateDir, "fonts")
	}
}

// CacheFile is the side file persisting the paused-session cache.
func (c Config) CacheFile() string { return filepath.Join(c.StateDir, "cache.json") }

func (c Config) LibraryFile() string { return filepath.Join(c.StateDir, "library.db") }

func (c Config) SubtitleDir() string { return filepath.Join(c.StateDir, "subtitles") }

func (c Config) ScratchDir() string { return filepath.Join(c.StateDir, "scratch") }

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func parseCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
