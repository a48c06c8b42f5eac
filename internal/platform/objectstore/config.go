// Package objectstore configures the MinIO client holding archived
// specification documents.
package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/helix-labs/helix-go/internal/platform/env"
)

type Config struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Region      string
	UseSSL      bool
	BucketSpecs string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("HELIX_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:    env.String("HELIX_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:   env.String("HELIX_MINIO_ACCESS_KEY", "helix"),
		SecretKey:   env.String("HELIX_MINIO_SECRET_KEY", "helixminio"),
		Region:      env.String("HELIX_MINIO_REGION", "us-east-1"),
		UseSSL:      useSSL,
		BucketSpecs: env.String("HELIX_MINIO_BUCKET_SPECS", "experiment-specs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return errors.New("endpoint is required")
	case strings.Contains(c.Endpoint, "://"):
		// minio.New takes host[:port]; a scheme here breaks TLS selection.
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	case strings.TrimSpace(c.AccessKey) == "":
		return errors.New("access key is required")
	case strings.TrimSpace(c.SecretKey) == "":
		return errors.New("secret key is required")
	case strings.TrimSpace(c.Region) == "":
		return errors.New("region is required")
	case strings.TrimSpace(c.BucketSpecs) == "":
		return errors.New("specs bucket is required")
	}
	return nil
}
