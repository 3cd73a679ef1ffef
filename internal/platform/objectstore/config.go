package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/esmda-go/internal/platform/env"
)

type Config struct {
	// Enabled turns on result archiving. Everything else is ignored when false.
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("ESMDA_ARCHIVE_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool("ESMDA_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:   enabled,
		Endpoint:  env.String("ESMDA_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("ESMDA_MINIO_ACCESS_KEY", "esmda"),
		SecretKey: env.String("ESMDA_MINIO_SECRET_KEY", "esmdaminio"),
		Region:    env.String("ESMDA_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("ESMDA_MINIO_BUCKET", "ensemble-cases"),
		Prefix:    strings.Trim(env.String("ESMDA_MINIO_PREFIX", "snapshots"), "/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
