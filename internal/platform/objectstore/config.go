package objectstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketArtifacts string
	PresignTTL      time.Duration
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("MAESTRO_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	presignTTL, err := env.Duration("MAESTRO_MINIO_PRESIGN_TTL", 15*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("MAESTRO_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("MAESTRO_MINIO_ACCESS_KEY", "maestro"),
		SecretKey:       env.String("MAESTRO_MINIO_SECRET_KEY", "maestrominio"),
		Region:          env.String("MAESTRO_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketArtifacts: env.String("MAESTRO_MINIO_BUCKET_ARTIFACTS", "artifacts"),
		PresignTTL:      presignTTL,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
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
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if c.PresignTTL <= 0 {
		return errors.New("presign ttl must be positive")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
