package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	Port string `yaml:"port"`

	// Secrets
	InternalSharedSecret string `yaml:"-"`
	MistralAPIKey        string `yaml:"-"`
	OpenRouterAPIKey     string `yaml:"-"`

	// Limits
	MaxJSONBodyBytes int64 `yaml:"max_json_body_bytes"`
	MaxUploadBytes   int64 `yaml:"max_upload_bytes"`
	MaxPDFBytes      int64 `yaml:"max_pdf_bytes"`
	MaxZipBytes      int64 `yaml:"max_zip_bytes"`
	MaxTextBytes     int64 `yaml:"max_text_bytes"`

	// Archive unpacking
	ScratchDir        string `yaml:"scratch_dir"`
	MaxArchiveEntries int    `yaml:"max_archive_entries"`
	MaxEntryBytes     int64  `yaml:"max_entry_bytes"`
	MaxArchiveBytes   int64  `yaml:"max_archive_bytes"`

	// Concurrency
	MaxConcurrentRequests int64 `yaml:"max_concurrent_requests"`
	MaxSourceConcurrent   int64 `yaml:"max_source_concurrent"`

	// Server timeouts
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// Analysis timeouts
	ExtractTimeout time.Duration `yaml:"extract_timeout"`
	StageTimeout   time.Duration `yaml:"stage_timeout"`
	RunTimeout     time.Duration `yaml:"run_timeout"`

	// rate limiting (per IP)
	RateLimitEvery time.Duration `yaml:"rate_limit_every"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`

	// housekeeping
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// health
	HealthDegradeRatio float64 `yaml:"health_degrade_ratio"`

	// http
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// Storage
	DatabasePath   string        `yaml:"database_path"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	InputPrefix    string        `yaml:"input_prefix"`
	ArtifactPrefix string        `yaml:"artifact_prefix"`
	LocalBlobRoot  string        `yaml:"local_blob_root"`
	SignedURLTTL   time.Duration `yaml:"signed_url_ttl"`

	// PDF quality gate
	MinParagraphs int     `yaml:"min_paragraphs"`
	MinTextItems  int     `yaml:"min_text_items"`
	MinPrintable  float64 `yaml:"min_printable"`

	// Vision fallback and ensemble switches
	VisionFallback bool          `yaml:"vision_fallback"`
	VisionTimeout  time.Duration `yaml:"vision_timeout"`
	Ensemble       bool          `yaml:"ensemble"`

	// Document services
	MistralEnabled    bool          `yaml:"mistral_enabled"`
	MistralMaxBytes   int64         `yaml:"mistral_max_bytes"`
	GrobidURL         string        `yaml:"grobid_url"`
	GrobidMaxBytes    int64         `yaml:"grobid_max_bytes"`
	ConverterURL      string        `yaml:"converter_url"`
	ConverterMaxBytes int64         `yaml:"converter_max_bytes"`
	SourceTimeout     time.Duration `yaml:"source_timeout"`
	SourceRetries     int           `yaml:"source_retries"`

	// Completion backend: "openrouter", "vertex" or "" (heuristics only)
	CompletionBackend string        `yaml:"completion_backend"`
	CompletionModel   string        `yaml:"completion_model"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
	CompletionRetries int           `yaml:"completion_retries"`
	CompletionRPS     float64       `yaml:"completion_rps"`
	VertexProject     string        `yaml:"vertex_project"`
	VertexLocation    string        `yaml:"vertex_location"`
}

func defaults() Config {
	return Config{
		Port: "8080",

		MaxJSONBodyBytes: 2 << 20,
		MaxUploadBytes:   200 << 20,
		MaxPDFBytes:      200 << 20,
		MaxZipBytes:      100 << 20,
		MaxTextBytes:     20 << 20,

		ScratchDir:        os.TempDir(),
		MaxArchiveEntries: 2000,
		MaxEntryBytes:     50 << 20,
		MaxArchiveBytes:   200 << 20,

		MaxConcurrentRequests: 15,
		MaxSourceConcurrent:   3,

		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      180 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   30 * time.Second,

		ExtractTimeout: 300 * time.Second,
		StageTimeout:   120 * time.Second,
		RunTimeout:     12 * time.Minute,

		RateLimitEvery: 600 * time.Millisecond,
		RateLimitBurst: 20,

		CleanupInterval: 5 * time.Minute,

		HealthDegradeRatio: 0.9,

		MaxHeaderBytes: 1 << 20,

		DatabasePath:   "manuscripts.db",
		LockTTL:        15 * time.Minute,
		InputPrefix:    "file://manuscripts/inputs",
		ArtifactPrefix: "file://manuscripts/analyses",
		LocalBlobRoot:  "blobs",
		SignedURLTTL:   15 * time.Minute,

		MinParagraphs: 3,
		MinTextItems:  50,
		MinPrintable:  0.85,

		VisionTimeout: 90 * time.Second,

		MistralMaxBytes:   50 << 20,
		GrobidMaxBytes:    100 << 20,
		ConverterMaxBytes: 100 << 20,
		SourceTimeout:     120 * time.Second,
		SourceRetries:     2,

		CompletionTimeout: 60 * time.Second,
		CompletionRetries: 2,
		VertexLocation:    "us-central1",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables. Secrets are only read
// from the environment.
func Load() (Config, error) {
	c := defaults()
	if path := envStr("CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	c.Port = envStr("PORT", c.Port)

	c.InternalSharedSecret = envStr("INTERNAL_SHARED_SECRET", "")
	c.MistralAPIKey = envStr("MISTRAL_API_KEY", "")
	c.OpenRouterAPIKey = envStr("OPENROUTER_API_KEY", "")

	c.MaxJSONBodyBytes = envInt64("MAX_JSON_BODY_BYTES", c.MaxJSONBodyBytes)
	c.MaxUploadBytes = envInt64("MAX_UPLOAD_BYTES", c.MaxUploadBytes)
	c.MaxPDFBytes = envInt64("MAX_PDF_BYTES", c.MaxPDFBytes)
	c.MaxZipBytes = envInt64("MAX_ZIP_BYTES", c.MaxZipBytes)
	c.MaxTextBytes = envInt64("MAX_TEXT_BYTES", c.MaxTextBytes)

	c.ScratchDir = envStr("SCRATCH_DIR", c.ScratchDir)
	c.MaxArchiveEntries = envInt("MAX_ARCHIVE_ENTRIES", c.MaxArchiveEntries)
	c.MaxEntryBytes = envInt64("MAX_ENTRY_BYTES", c.MaxEntryBytes)
	c.MaxArchiveBytes = envInt64("MAX_ARCHIVE_BYTES", c.MaxArchiveBytes)

	c.MaxConcurrentRequests = envInt64("MAX_CONCURRENT_REQUESTS", c.MaxConcurrentRequests)
	c.MaxSourceConcurrent = envInt64("MAX_SOURCE_CONCURRENT", c.MaxSourceConcurrent)

	c.ReadHeaderTimeout = envDur("READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
	c.ReadTimeout = envDur("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = envDur("WRITE_TIMEOUT", c.WriteTimeout)
	c.IdleTimeout = envDur("IDLE_TIMEOUT", c.IdleTimeout)
	c.ShutdownTimeout = envDur("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.ExtractTimeout = envDur("EXTRACT_TIMEOUT", c.ExtractTimeout)
	c.StageTimeout = envDur("STAGE_TIMEOUT", c.StageTimeout)
	c.RunTimeout = envDur("RUN_TIMEOUT", c.RunTimeout)

	c.RateLimitEvery = envDur("RATE_LIMIT_EVERY", c.RateLimitEvery)
	c.RateLimitBurst = envInt("RATE_LIMIT_BURST", c.RateLimitBurst)

	c.CleanupInterval = envDur("CLEANUP_INTERVAL", c.CleanupInterval)
	c.HealthDegradeRatio = envFloat("HEALTH_DEGRADE_RATIO", c.HealthDegradeRatio)
	c.MaxHeaderBytes = envInt("MAX_HEADER_BYTES", c.MaxHeaderBytes)

	c.DatabasePath = envStr("DATABASE_PATH", c.DatabasePath)
	c.LockTTL = envDur("LOCK_TTL", c.LockTTL)
	c.InputPrefix = envStr("INPUT_PREFIX", c.InputPrefix)
	c.ArtifactPrefix = envStr("ARTIFACT_PREFIX", c.ArtifactPrefix)
	c.LocalBlobRoot = envStr("LOCAL_BLOB_ROOT", c.LocalBlobRoot)
	c.SignedURLTTL = envDur("SIGNED_URL_TTL", c.SignedURLTTL)

	c.MinParagraphs = envInt("MIN_PARAGRAPHS", c.MinParagraphs)
	c.MinTextItems = envInt("MIN_TEXT_ITEMS", c.MinTextItems)
	c.MinPrintable = envFloat("MIN_PRINTABLE", c.MinPrintable)

	c.VisionFallback = envBool("VISION_FALLBACK", c.VisionFallback)
	c.VisionTimeout = envDur("VISION_TIMEOUT", c.VisionTimeout)
	c.Ensemble = envBool("ENSEMBLE", c.Ensemble)

	c.MistralEnabled = envBool("MISTRAL_ENABLED", c.MistralEnabled)
	c.MistralMaxBytes = envInt64("MISTRAL_MAX_BYTES", c.MistralMaxBytes)
	c.GrobidURL = envStr("GROBID_URL", c.GrobidURL)
	c.GrobidMaxBytes = envInt64("GROBID_MAX_BYTES", c.GrobidMaxBytes)
	c.ConverterURL = envStr("CONVERTER_URL", c.ConverterURL)
	c.ConverterMaxBytes = envInt64("CONVERTER_MAX_BYTES", c.ConverterMaxBytes)
	c.SourceTimeout = envDur("SOURCE_TIMEOUT", c.SourceTimeout)
	c.SourceRetries = envInt("SOURCE_RETRIES", c.SourceRetries)

	c.CompletionBackend = envStr("COMPLETION_BACKEND", c.CompletionBackend)
	c.CompletionModel = envStr("COMPLETION_MODEL", c.CompletionModel)
	c.CompletionTimeout = envDur("COMPLETION_TIMEOUT", c.CompletionTimeout)
	c.CompletionRetries = envInt("COMPLETION_RETRIES", c.CompletionRetries)
	c.CompletionRPS = envFloat("COMPLETION_RPS", c.CompletionRPS)
	c.VertexProject = envStr("VERTEX_PROJECT", c.VertexProject)
	c.VertexLocation = envStr("VERTEX_LOCATION", c.VertexLocation)

	return c, nil
}

func (c Config) Validate() error {
	if len(strings.TrimSpace(c.InternalSharedSecret)) < 32 {
		return fmt.Errorf("INTERNAL_SHARED_SECRET must be at least 32 characters")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.InputPrefix == "" || c.ArtifactPrefix == "" {
		return fmt.Errorf("INPUT_PREFIX and ARTIFACT_PREFIX are required")
	}
	if c.RunTimeout >= c.LockTTL {
		return fmt.Errorf("RUN_TIMEOUT (%s) must be shorter than LOCK_TTL (%s)", c.RunTimeout, c.LockTTL)
	}
	if c.MinPrintable > 1 {
		return fmt.Errorf("MIN_PRINTABLE must be a ratio in (0, 1]")
	}
	switch c.CompletionBackend {
	case "":
	case "openrouter":
		if c.OpenRouterAPIKey == "" {
			return fmt.Errorf("OPENROUTER_API_KEY is required for the openrouter backend")
		}
	case "vertex":
		if c.VertexProject == "" || c.VertexLocation == "" {
			return fmt.Errorf("VERTEX_PROJECT and VERTEX_LOCATION are required for the vertex backend")
		}
	default:
		return fmt.Errorf("unknown COMPLETION_BACKEND %q", c.CompletionBackend)
	}
	if c.MistralEnabled && c.MistralAPIKey == "" {
		return fmt.Errorf("MISTRAL_API_KEY is required when MISTRAL_ENABLED is set")
	}
	return nil
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
