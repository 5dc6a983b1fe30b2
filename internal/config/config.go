package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	AuthMode        string        `mapstructure:"AUTH_MODE"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultPractice string        `mapstructure:"DEFAULT_PRACTICE"`
	MigrationsDir   string        `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`

	RedisURL     string        `mapstructure:"REDIS_URL"`
	CodeCacheTTL time.Duration `mapstructure:"CODE_CACHE_TTL"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	AWSRegion   string `mapstructure:"AWS_REGION"`
	ERxQueueURL string `mapstructure:"ERX_QUEUE_URL"`

	BlobBackend    string `mapstructure:"BLOB_BACKEND"`
	BlobBucket     string `mapstructure:"BLOB_BUCKET"`
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_PRACTICE", "MIGRATIONS_DIR", "CORS_ORIGINS", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"AUTH_JWKS_URL", "REDIS_URL", "CODE_CACHE_TTL", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"AWS_REGION", "ERX_QUEUE_URL", "BLOB_BACKEND", "BLOB_BUCKET", "MINIO_ENDPOINT",
	"MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_USE_SSL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_PRACTICE", "default")
	v.SetDefault("MIGRATIONS_DIR", "")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CODE_CACHE_TTL", "1h")
	v.SetDefault("KAFKA_TOPIC", "clinical-events")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("BLOB_BACKEND", "memory")
	v.SetDefault("BLOB_BUCKET", "remittance-documents")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList normalises comma separated values. Viper may hand back the raw
// string as one element or an already split slice with padded elements.
func splitList(parsed []string, raw string) []string {
	parts := parsed
	if raw != "" {
		parts = []string{raw}
	}
	var out []string
	for _, p := range parts {
		for _, s := range strings.Split(p, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments run without auth and everything else expects external JWTs.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

var validBlobBackends = map[string]bool{"memory": true, "s3": true, "minio": true}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV=production")
		}
	case "external":
		if c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", c.AuthMode)
	}

	if !validBlobBackends[c.BlobBackend] {
		return fmt.Errorf("BLOB_BACKEND must be one of memory, s3, minio, got %q", c.BlobBackend)
	}
	if c.BlobBackend == "minio" && c.MinioEndpoint == "" {
		return fmt.Errorf("MINIO_ENDPOINT is required when BLOB_BACKEND is \"minio\"")
	}
	if c.BlobBackend != "memory" && c.BlobBucket == "" {
		return fmt.Errorf("BLOB_BUCKET is required when BLOB_BACKEND is %q", c.BlobBackend)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	return nil
}
