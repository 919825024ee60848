// Package config loads process configuration from an optional file, the
// environment (CROPSTORE_ prefix) and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"cropstore/internal/blob"
	"cropstore/internal/logging"
)

// EnvPrefix prefixes every environment variable, e.g. CROPSTORE_STORAGE_DRIVER.
const EnvPrefix = "CROPSTORE"

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config is the resolved process configuration.
type Config struct {
	Storage Storage
	Blob    blob.Config
	Ingest  Ingest
	HTTP    HTTP
	Log     logging.Config
}

type Storage struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	// ResolveDimensions fills dimension ids from reference tables on insert.
	// Only the postgres driver can resolve.
	ResolveDimensions bool
}

type Ingest struct {
	Concurrency int
	// UploadRate caps uploads per second; 0 disables the limit.
	UploadRate  float64
	UploadBurst int
}

type HTTP struct {
	Addr          string
	PresignExpiry time.Duration
}

var defaults = map[string]any{
	"storage.driver":             StorageSQLite,
	"storage.sqlite_path":        "cropstore.db",
	"storage.postgres_dsn":       "",
	"storage.resolve_dimensions": false,
	"blob.driver":                string(blob.DriverFilesystem),
	"blob.bucket":                blob.DefaultBucket,
	"blob.fs_root":               "blobdata",
	"blob.s3.region":             "us-east-1",
	"blob.s3.endpoint":           "",
	"blob.s3.access_key_id":      "",
	"blob.s3.secret_access_key":  "",
	"blob.s3.path_style":         false,
	"blob.minio.endpoint":        "",
	"blob.minio.access_key":      "",
	"blob.minio.secret_key":      "",
	"blob.minio.secure":          true,
	"blob.minio.ensure_bucket":   false,
	"ingest.concurrency":         1,
	"ingest.upload_rate":         0.0,
	"ingest.upload_burst":        1,
	"http.addr":                  ":8080",
	"http.presign_expiry":        15 * time.Minute,
	"log.level":                  "info",
	"log.format":                 "text",
}

// Loader resolves a Config. The zero value is not usable; call NewLoader.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlag lets flag override key when it is set on the command line.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: flag not defined", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads path when non-empty and resolves the configuration. The file
// format follows its extension (yaml, json, toml).
func (l *Loader) Load(path string) (Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v := l.v
	cfg := Config{
		Storage: Storage{
			Driver:            strings.ToLower(v.GetString("storage.driver")),
			SQLitePath:        v.GetString("storage.sqlite_path"),
			PostgresDSN:       v.GetString("storage.postgres_dsn"),
			ResolveDimensions: v.GetBool("storage.resolve_dimensions"),
		},
		Blob: blob.Config{
			Driver: blob.Driver(strings.ToLower(v.GetString("blob.driver"))),
			Bucket: v.GetString("blob.bucket"),
			FSRoot: v.GetString("blob.fs_root"),
			S3: blob.S3Config{
				Region:          v.GetString("blob.s3.region"),
				Endpoint:        v.GetString("blob.s3.endpoint"),
				AccessKeyID:     v.GetString("blob.s3.access_key_id"),
				SecretAccessKey: v.GetString("blob.s3.secret_access_key"),
				PathStyle:       v.GetBool("blob.s3.path_style"),
			},
			MinIO: blob.MinIOConfig{
				Endpoint:     v.GetString("blob.minio.endpoint"),
				AccessKey:    v.GetString("blob.minio.access_key"),
				SecretKey:    v.GetString("blob.minio.secret_key"),
				Secure:       v.GetBool("blob.minio.secure"),
				EnsureBucket: v.GetBool("blob.minio.ensure_bucket"),
			},
		},
		Ingest: Ingest{
			Concurrency: v.GetInt("ingest.concurrency"),
			UploadRate:  v.GetFloat64("ingest.upload_rate"),
			UploadBurst: v.GetInt("ingest.upload_burst"),
		},
		HTTP: HTTP{
			Addr:          v.GetString("http.addr"),
			PresignExpiry: v.GetDuration("http.presign_expiry"),
		},
		Log: logging.Config{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
		if c.Storage.ResolveDimensions {
			errs = append(errs, fmt.Errorf("storage.resolve_dimensions requires the %s driver", StoragePostgres))
		}
	case StoragePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case blob.DriverFilesystem, blob.DriverMemory, blob.DriverS3:
	case blob.DriverMinIO:
		if c.Blob.MinIO.Endpoint == "" {
			errs = append(errs, errors.New("blob.minio.endpoint is required for the minio driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if c.Ingest.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("ingest.concurrency must be at least 1, got %d", c.Ingest.Concurrency))
	}
	if c.Ingest.UploadRate < 0 {
		errs = append(errs, fmt.Errorf("ingest.upload_rate must not be negative, got %g", c.Ingest.UploadRate))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
