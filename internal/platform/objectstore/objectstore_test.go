package objectstore

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:        "localhost:9000",
		AccessKey:       "a",
		SecretKey:       "b",
		Region:          "us-east-1",
		UseSSL:          false,
		BucketArtifacts: "artifacts",
		PresignTTL:      15 * time.Minute,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	scheme := valid
	scheme.Endpoint = "http://localhost:9000"
	if err := scheme.Validate(); err == nil {
		t.Fatal("Validate() expected error for scheme in endpoint")
	}

	noBucket := valid
	noBucket.BucketArtifacts = " "
	if err := noBucket.Validate(); err == nil {
		t.Fatal("Validate() expected error for blank bucket")
	}

	noTTL := valid
	noTTL.PresignTTL = 0
	if err := noTTL.Validate(); err == nil {
		t.Fatal("Validate() expected error for zero presign ttl")
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Endpoint != "localhost:9000" {
		t.Fatalf("Endpoint=%q, want localhost:9000", cfg.Endpoint)
	}
	if cfg.PresignTTL != 15*time.Minute {
		t.Fatalf("PresignTTL=%v, want 15m", cfg.PresignTTL)
	}
}
