package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string          `yaml:"log_level" env:"LOG_LEVEL"`
	Backend    BackendConfig   `yaml:"backend"`
	KMS        KMSConfig       `yaml:"kms"`
	Documents  DocumentsConfig `yaml:"documents"`
	Auth       AuthConfig      `yaml:"auth"`
	Cache      CacheConfig     `yaml:"cache"`
	Audit      AuditConfig     `yaml:"audit"`
	TLS        TLSConfig       `yaml:"tls"`
	Server     ServerConfig    `yaml:"server"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Tracing    TracingConfig   `yaml:"tracing"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// BackendConfig holds object store configuration.
type BackendConfig struct {
	Provider     string        `yaml:"provider" env:"BACKEND_PROVIDER"` // aws, minio, or any S3-compatible name; memory for an in-process store
	Endpoint     string        `yaml:"endpoint" env:"BACKEND_ENDPOINT"`
	Region       string        `yaml:"region" env:"BACKEND_REGION"`
	Bucket       string        `yaml:"bucket" env:"BACKEND_BUCKET"`
	AccessKey    string        `yaml:"access_key" env:"BACKEND_ACCESS_KEY"`
	SecretKey    string        `yaml:"secret_key" env:"BACKEND_SECRET_KEY"`
	UsePathStyle bool          `yaml:"use_path_style" env:"BACKEND_USE_PATH_STYLE"`
	Timeout      time.Duration `yaml:"timeout" env:"BACKEND_TIMEOUT"`
}

// MasterKeyConfig identifies the KMS master key.
type MasterKeyConfig struct {
	Project  string `yaml:"project" env:"KMS_PROJECT"`
	Location string `yaml:"location" env:"KMS_LOCATION"`
	KeyRing  string `yaml:"key_ring" env:"KMS_KEY_RING"`
	Key      string `yaml:"key" env:"KMS_KEY"`
}

// KMSConfig holds key wrapping configuration.
type KMSConfig struct {
	Provider    string          `yaml:"provider" env:"KMS_PROVIDER"` // aws-kms or local
	MasterKey   MasterKeyConfig `yaml:"master_key"`
	KeyID       string          `yaml:"key_id" env:"KMS_KEY_ID"` // aws-kms only; overrides the alias derived from master_key
	Region      string          `yaml:"region" env:"KMS_REGION"`
	Endpoint    string          `yaml:"endpoint" env:"KMS_ENDPOINT"`
	AccessKey   string          `yaml:"access_key" env:"KMS_ACCESS_KEY"`
	SecretKey   string          `yaml:"secret_key" env:"KMS_SECRET_KEY"`
	LocalSecret string          `yaml:"local_secret" env:"KMS_LOCAL_SECRET"`
	Timeout     time.Duration   `yaml:"timeout" env:"KMS_TIMEOUT"`
}

// DocumentsConfig holds document ingestion and listing settings.
type DocumentsConfig struct {
	MaxSizeBytes        int64    `yaml:"max_size_bytes" env:"DOCUMENTS_MAX_SIZE_BYTES"`
	Algorithm           string   `yaml:"algorithm" env:"DOCUMENTS_ALGORITHM"`
	SupportedAlgorithms []string `yaml:"supported_algorithms" env:"DOCUMENTS_SUPPORTED_ALGORITHMS"`
	CatalogConcurrency  int      `yaml:"catalog_concurrency" env:"DOCUMENTS_CATALOG_CONCURRENCY"`
	ListPageSize        int32    `yaml:"list_page_size" env:"DOCUMENTS_LIST_PAGE_SIZE"`
	PolicyFiles         []string `yaml:"policy_files" env:"DOCUMENTS_POLICY_FILES"` // Glob patterns of category policy files
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"AUTH_ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"AUTH_TOKEN_TTL"`
	AdminRole string        `yaml:"admin_role" env:"AUTH_ADMIN_ROLE"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig holds view cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxSize    int64         `yaml:"max_size" env:"CACHE_MAX_SIZE"`       // Max size in bytes
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`     // Max number of items
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"` // Default TTL
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// LoggingConfig holds access log settings.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Backend: BackendConfig{
			Provider: "aws",
			Region:   "us-east-1",
			Timeout:  10 * time.Second,
		},
		KMS: KMSConfig{
			Provider: "aws-kms",
			Timeout:  5 * time.Second,
		},
		Documents: DocumentsConfig{
			MaxSizeBytes:       10 << 20,
			Algorithm:          "aes-256-gcm",
			CatalogConcurrency: 6,
			ListPageSize:       1000,
		},
		Auth: AuthConfig{
			Issuer:    "document-vault",
			TokenTTL:  time.Hour,
			AdminRole: "admin",
		},
		Server: ServerConfig{
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			ShutdownTimeout:   30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxSize:    64 * 1024 * 1024,
			MaxItems:   256,
			DefaultTTL: 30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "document-vault",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie", "set-cookie"},
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config, err := readConfig(path)
	if err != nil {
		return nil, err
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// readConfig layers defaults, the YAML file and the environment without validating.
func readConfig(path string) (*Config, error) {
	config := Default()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)
	return config, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envList(name string, dst *[]string) {
	if v := os.Getenv(name); v != "" {
		// Comma-separated list
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)

	envString("BACKEND_PROVIDER", &config.Backend.Provider)
	envString("BACKEND_ENDPOINT", &config.Backend.Endpoint)
	envString("BACKEND_REGION", &config.Backend.Region)
	envString("BACKEND_BUCKET", &config.Backend.Bucket)
	envString("BACKEND_ACCESS_KEY", &config.Backend.AccessKey)
	envString("BACKEND_SECRET_KEY", &config.Backend.SecretKey)
	envBool("BACKEND_USE_PATH_STYLE", &config.Backend.UsePathStyle)
	envDuration("BACKEND_TIMEOUT", &config.Backend.Timeout)

	envString("KMS_PROVIDER", &config.KMS.Provider)
	envString("KMS_PROJECT", &config.KMS.MasterKey.Project)
	envString("KMS_LOCATION", &config.KMS.MasterKey.Location)
	envString("KMS_KEY_RING", &config.KMS.MasterKey.KeyRing)
	envString("KMS_KEY", &config.KMS.MasterKey.Key)
	envString("KMS_KEY_ID", &config.KMS.KeyID)
	envString("KMS_REGION", &config.KMS.Region)
	envString("KMS_ENDPOINT", &config.KMS.Endpoint)
	envString("KMS_ACCESS_KEY", &config.KMS.AccessKey)
	envString("KMS_SECRET_KEY", &config.KMS.SecretKey)
	envString("KMS_LOCAL_SECRET", &config.KMS.LocalSecret)
	envDuration("KMS_TIMEOUT", &config.KMS.Timeout)

	if v := os.Getenv("DOCUMENTS_MAX_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Documents.MaxSizeBytes = n
		}
	}
	envString("DOCUMENTS_ALGORITHM", &config.Documents.Algorithm)
	envList("DOCUMENTS_SUPPORTED_ALGORITHMS", &config.Documents.SupportedAlgorithms)
	envInt("DOCUMENTS_CATALOG_CONCURRENCY", &config.Documents.CatalogConcurrency)
	if v := os.Getenv("DOCUMENTS_LIST_PAGE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil && n > 0 {
			config.Documents.ListPageSize = int32(n)
		}
	}
	envList("DOCUMENTS_POLICY_FILES", &config.Documents.PolicyFiles)

	envString("AUTH_JWT_SECRET", &config.Auth.JWTSecret)
	envString("AUTH_ISSUER", &config.Auth.Issuer)
	envDuration("AUTH_TOKEN_TTL", &config.Auth.TokenTTL)
	envString("AUTH_ADMIN_ROLE", &config.Auth.AdminRole)

	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	// Server timeouts from environment
	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	// Cache configuration
	envBool("CACHE_ENABLED", &config.Cache.Enabled)
	if v := os.Getenv("CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Cache.MaxSize = n
		}
	}
	envInt("CACHE_MAX_ITEMS", &config.Cache.MaxItems)
	envDuration("CACHE_DEFAULT_TTL", &config.Cache.DefaultTTL)

	// Audit configuration
	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	// Tracing configuration
	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_JAEGER_ENDPOINT", &config.Tracing.JaegerEndpoint)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)

	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	envList("LOGGING_REDACT_HEADERS", &config.Logging.RedactHeaders)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.Backend.Bucket == "" {
		return fmt.Errorf("backend.bucket is required")
	}
	if (c.Backend.AccessKey == "") != (c.Backend.SecretKey == "") {
		return fmt.Errorf("backend.access_key and backend.secret_key must be set together")
	}

	switch c.KMS.Provider {
	case "aws-kms":
		if c.KMS.KeyID == "" {
			if err := c.KMS.MasterKey.validate(); err != nil {
				return fmt.Errorf("%w (or set kms.key_id)", err)
			}
		}
	case "local":
		if err := c.KMS.MasterKey.validate(); err != nil {
			return err
		}
		if len(c.KMS.LocalSecret) < 12 {
			return fmt.Errorf("kms.local_secret must be at least 12 characters when kms.provider is local")
		}
	default:
		return fmt.Errorf("invalid kms.provider: %s (must be aws-kms or local)", c.KMS.Provider)
	}

	if c.Documents.MaxSizeBytes <= 0 {
		return fmt.Errorf("documents.max_size_bytes must be positive")
	}
	// aes-256-cbc is read-only: it may be listed for legacy envelopes but never seals new ones.
	sealing := map[string]bool{
		"aes-256-gcm":       true,
		"chacha20-poly1305": true,
	}
	readable := map[string]bool{
		"aes-256-gcm":       true,
		"chacha20-poly1305": true,
		"aes-256-cbc":       true,
	}
	if !sealing[strings.TrimSpace(c.Documents.Algorithm)] {
		return fmt.Errorf("invalid documents.algorithm: %s (must be aes-256-gcm or chacha20-poly1305)", c.Documents.Algorithm)
	}
	for _, alg := range c.Documents.SupportedAlgorithms {
		if !readable[strings.TrimSpace(alg)] {
			return fmt.Errorf("invalid entry in documents.supported_algorithms: %s", alg)
		}
	}
	if c.Documents.CatalogConcurrency < 0 {
		return fmt.Errorf("documents.catalog_concurrency must not be negative")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	// Validate TLS configuration
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	// Validate tracing configuration
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	return nil
}

func (m MasterKeyConfig) validate() error {
	switch {
	case m.Project == "":
		return fmt.Errorf("kms.master_key.project is required")
	case m.Location == "":
		return fmt.Errorf("kms.master_key.location is required")
	case m.KeyRing == "":
		return fmt.Errorf("kms.master_key.key_ring is required")
	case m.Key == "":
		return fmt.Errorf("kms.master_key.key is required")
	}
	return nil
}
