package blobd

import (
	"testing"
	"time"

	"pkt.systems/blobd/internal/store"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.BrokerURL != DefaultBrokerURL {
		t.Fatalf("expected broker url %q, got %q", DefaultBrokerURL, cfg.BrokerURL)
	}
	if cfg.UploadQueue != DefaultUploadQueue || cfg.DownloadQueue != DefaultDownloadQueue {
		t.Fatalf("unexpected queue names %q / %q", cfg.UploadQueue, cfg.DownloadQueue)
	}
	if cfg.ReconnectDelay != DefaultReconnectDelay {
		t.Fatalf("expected reconnect delay %v, got %v", DefaultReconnectDelay, cfg.ReconnectDelay)
	}
	if cfg.MaxUploadBytes != DefaultMaxUploadBytes {
		t.Fatalf("expected max upload %d, got %d", DefaultMaxUploadBytes, cfg.MaxUploadBytes)
	}
	if cfg.DedupCapacity != DefaultDedupCapacity || cfg.DedupTTL != DefaultDedupTTL {
		t.Fatalf("unexpected dedup settings %d / %v", cfg.DedupCapacity, cfg.DedupTTL)
	}
}

func TestConfigWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Listen:         ":8080",
		BrokerURL:      "amqp://broker:5672",
		UploadQueue:    "uploads",
		ReconnectDelay: 2 * time.Second,
		DedupCapacity:  16,
	}.withDefaults()

	if cfg.Listen != ":8080" || cfg.BrokerURL != "amqp://broker:5672" {
		t.Fatalf("explicit values overwritten: %q %q", cfg.Listen, cfg.BrokerURL)
	}
	if cfg.UploadQueue != "uploads" || cfg.ReconnectDelay != 2*time.Second || cfg.DedupCapacity != 16 {
		t.Fatalf("explicit values overwritten: %q %v %d", cfg.UploadQueue, cfg.ReconnectDelay, cfg.DedupCapacity)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		JWTSecret: "secret",
		S3:        store.Config{Bucket: "files"},
	}.withDefaults()
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	missingSecret := valid
	missingSecret.JWTSecret = ""
	if err := missingSecret.Validate(); err == nil {
		t.Fatalf("expected error for missing jwt secret")
	}

	missingBucket := valid
	missingBucket.S3.Bucket = ""
	if err := missingBucket.Validate(); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestNewServerValidatesConfig(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
	if _, err := NewServer(Config{JWTSecret: "secret", S3: store.Config{Bucket: "files"}}); err != nil {
		t.Fatalf("expected server to assemble, got %v", err)
	}
}
