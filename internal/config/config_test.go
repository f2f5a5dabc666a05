package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BACKEND_BUCKET", "vault-docs")
	t.Setenv("KMS_KEY_ID", "alias/documents")
	t.Setenv("AUTH_JWT_SECRET", testJWTSecret)
}

func validConfig() *Config {
	cfg := Default()
	cfg.Backend.Bucket = "vault-docs"
	cfg.KMS.KeyID = "alias/documents"
	cfg.Auth.JWTSecret = testJWTSecret
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.ListenAddr != ":8080" {
		t.Errorf("expected ListenAddr :8080, got %s", config.ListenAddr)
	}
	if config.LogLevel != "info" {
		t.Errorf("expected LogLevel info, got %s", config.LogLevel)
	}
	assert.Equal(t, int64(10<<20), config.Documents.MaxSizeBytes)
	assert.Equal(t, "aes-256-gcm", config.Documents.Algorithm)
	assert.Equal(t, "aws-kms", config.KMS.Provider)
	assert.Equal(t, 5*time.Second, config.KMS.Timeout)
	assert.Equal(t, "admin", config.Auth.AdminRole)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BACKEND_ENDPOINT", "http://localhost:9000")
	t.Setenv("DOCUMENTS_MAX_SIZE_BYTES", "1048576")
	t.Setenv("DOCUMENTS_SUPPORTED_ALGORITHMS", "aes-256-gcm, aes-256-cbc")
	t.Setenv("KMS_TIMEOUT", "2s")
	t.Setenv("LOGGING_REDACT_HEADERS", "authorization,x-api-key")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.ListenAddr)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "http://localhost:9000", config.Backend.Endpoint)
	assert.Equal(t, int64(1048576), config.Documents.MaxSizeBytes)
	assert.Equal(t, []string{"aes-256-gcm", "aes-256-cbc"}, config.Documents.SupportedAlgorithms)
	assert.Equal(t, 2*time.Second, config.KMS.Timeout)
	assert.Equal(t, []string{"authorization", "x-api-key"}, config.Logging.RedactHeaders)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `listen_addr: ":7070"
backend:
  provider: memory
  bucket: local-docs
kms:
  provider: local
  local_secret: "a-long-local-secret"
  master_key:
    project: tax-vault
    location: global
    key_ring: documents
    key: dek
documents:
  catalog_concurrency: 3
auth:
  jwt_secret: "` + testJWTSecret + `"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", config.ListenAddr)
	assert.Equal(t, "memory", config.Backend.Provider)
	assert.Equal(t, "local", config.KMS.Provider)
	assert.Equal(t, "documents", config.KMS.MasterKey.KeyRing)
	assert.Equal(t, 3, config.Documents.CatalogConcurrency)
	// Defaults survive partial files
	assert.Equal(t, int64(10<<20), config.Documents.MaxSizeBytes)
}

func TestLoadConfig_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing listen addr", mutate: func(c *Config) { c.ListenAddr = "" }, wantErr: "listen_addr"},
		{name: "missing bucket", mutate: func(c *Config) { c.Backend.Bucket = "" }, wantErr: "backend.bucket"},
		{name: "half credentials", mutate: func(c *Config) { c.Backend.AccessKey = "AKIA" }, wantErr: "must be set together"},
		{name: "unknown kms provider", mutate: func(c *Config) { c.KMS.Provider = "vault" }, wantErr: "kms.provider"},
		{
			name: "aws kms without key id or handle",
			mutate: func(c *Config) {
				c.KMS.KeyID = ""
			},
			wantErr: "kms.master_key.project",
		},
		{
			name: "local kms short secret",
			mutate: func(c *Config) {
				c.KMS.Provider = "local"
				c.KMS.MasterKey = MasterKeyConfig{Project: "p", Location: "l", KeyRing: "r", Key: "k"}
				c.KMS.LocalSecret = "short"
			},
			wantErr: "kms.local_secret",
		},
		{name: "zero max size", mutate: func(c *Config) { c.Documents.MaxSizeBytes = 0 }, wantErr: "max_size_bytes"},
		{name: "unknown algorithm", mutate: func(c *Config) { c.Documents.Algorithm = "des" }, wantErr: "documents.algorithm"},
		{name: "legacy algorithm for writes", mutate: func(c *Config) { c.Documents.Algorithm = "aes-256-cbc" }, wantErr: "documents.algorithm"},
		{name: "short jwt secret", mutate: func(c *Config) { c.Auth.JWTSecret = "short" }, wantErr: "auth.jwt_secret"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: "log_level"},
		{name: "tls without cert", mutate: func(c *Config) { c.TLS.Enabled = true }, wantErr: "tls.cert_file"},
		{
			name: "jaeger without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: "jaeger_endpoint",
		},
		{name: "bad access log format", mutate: func(c *Config) { c.Logging.AccessLogFormat = "xml" }, wantErr: "access_log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
