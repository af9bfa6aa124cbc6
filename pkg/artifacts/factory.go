package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the artifact backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFS     StoreType = "fs"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type       StoreType `yaml:"type"`
	Dir        string    `yaml:"dir"`
	Bucket     string    `yaml:"bucket"`
	Prefix     string    `yaml:"prefix"`
	Region     string    `yaml:"region"`
	Endpoint   string    `yaml:"endpoint"`
	Uncompress bool      `yaml:"uncompressed"`
}

// ConfigFromEnv reads ARTIFACT_STORAGE_TYPE ("fs" default, "memory", "s3",
// "gcs"), DATA_DIR, ARTIFACT_BUCKET, ARTIFACT_PREFIX, ARTIFACT_S3_REGION (or
// AWS_REGION) and ARTIFACT_S3_ENDPOINT.
func ConfigFromEnv() Config {
	cfg := Config{
		Type:     StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE")),
		Bucket:   os.Getenv("ARTIFACT_BUCKET"),
		Prefix:   os.Getenv("ARTIFACT_PREFIX"),
		Region:   os.Getenv("ARTIFACT_S3_REGION"),
		Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
	}
	if cfg.Type == "" {
		cfg.Type = StoreTypeFS
	}
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	cfg.Dir = filepath.Join(dataDir, "artifacts")
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_REGION")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg
}

// NewStoreFromConfig builds a CAS over the configured backend.
func NewStoreFromConfig(ctx context.Context, cfg Config) (*CAS, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Type {
	case StoreTypeMemory:
		backend = NewMemoryBackend()
	case StoreTypeFS, "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("artifact dir is required for fs storage")
		}
		backend, err = NewFileBackend(cfg.Dir)
	case StoreTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_BUCKET is required for S3 storage")
		}
		backend, err = NewS3Backend(ctx, S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case StoreTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_BUCKET is required for GCS storage")
		}
		backend, err = newGCSBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return NewCAS(backend, !cfg.Uncompress), nil
}
