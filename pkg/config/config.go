// Package config loads process configuration from the environment.
//
// An optional dotenv file is read first; variables already present in the
// environment win over the file. Values are then decoded into Config with
// envdecode, which applies the defaults declared in the struct tags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	BackendDisk = "disk"
	BackendS3   = "s3"

	minSecretBytes = 32
)

type Config struct {
	Port    string `env:"PORT,default=4000"`
	GinMode string `env:"GIN_MODE,default=release"`

	DB Database

	JWTSecret  string        `env:"JWT_SECRET"`
	TokenTTL   time.Duration `env:"TOKEN_TTL,default=1h"`
	BcryptCost int           `env:"BCRYPT_COST,default=10"`

	CORSOrigins       []string      `env:"CORS_ORIGINS,default=http://localhost:3000"`
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS,default=100"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW,default=15m"`

	Images Images

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

type Database struct {
	Driver         string        `env:"DB_DRIVER,default=postgres"`
	Host           string        `env:"DB_HOST,default=postgres"`
	Port           string        `env:"DB_PORT,default=5432"`
	User           string        `env:"DB_USER,default=program"`
	Password       string        `env:"DB_PASSWORD,default=test"`
	Name           string        `env:"DB_NAME,default=grimoire"`
	SSLMode        string        `env:"DB_SSLMODE,default=disable"`
	SQLitePath     string        `env:"SQLITE_PATH,default=grimoire.db"`
	ConnectRetries int           `env:"DB_CONNECT_RETRIES,default=10"`
	ConnectBackoff time.Duration `env:"DB_CONNECT_BACKOFF,default=5s"`
}

// DSN returns the postgres connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

type Images struct {
	Backend         string        `env:"IMAGE_BACKEND,default=disk"`
	UploadDir       string        `env:"UPLOAD_DIR,default=uploads"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL"`
	MaxWidth        int           `env:"IMAGE_MAX_WIDTH,default=800"`
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES,default=10485760"`
	MaxPixels       int64         `env:"IMAGE_MAX_PIXELS,default=40000000"`
	CleanupInterval time.Duration `env:"IMAGE_CLEANUP_INTERVAL,default=30s"`
	CleanupAttempts int           `env:"IMAGE_CLEANUP_ATTEMPTS,default=5"`

	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION,default=us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3PublicURL string `env:"S3_PUBLIC_URL"`
}

// Load reads envFile (if it exists) and decodes the environment into a
// validated Config. An empty envFile skips the dotenv step.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if len(c.JWTSecret) < minSecretBytes {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretBytes))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, errors.New("BCRYPT_COST must be between 4 and 31"))
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive"))
	}

	switch c.DB.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DB.Driver))
	}

	switch c.GinMode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("unknown GIN_MODE %q", c.GinMode))
	}

	switch c.Images.Backend {
	case BackendDisk:
		if strings.TrimSpace(c.Images.UploadDir) == "" {
			errs = append(errs, errors.New("UPLOAD_DIR is required for the disk image backend"))
		}
	case BackendS3:
		if c.Images.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 image backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown IMAGE_BACKEND %q", c.Images.Backend))
	}
	if c.Images.MaxWidth <= 0 || c.Images.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("IMAGE_MAX_WIDTH and MAX_UPLOAD_BYTES must be positive"))
	}
	if c.Images.MaxPixels <= 0 {
		errs = append(errs, errors.New("IMAGE_MAX_PIXELS must be positive"))
	}
	if c.Images.CleanupInterval <= 0 {
		errs = append(errs, errors.New("IMAGE_CLEANUP_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}
