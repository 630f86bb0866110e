package blobd

import (
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/blobd/internal/store"
)

// Defaults applied by Config.withDefaults.
const (
	// DefaultListen is the HTTP bind address.
	DefaultListen = ":3004"
	// DefaultBrokerURL is the AMQP broker address.
	DefaultBrokerURL = "amqp://localhost:5672"
	// DefaultUploadQueue is the durable queue carrying upload envelopes.
	DefaultUploadQueue = "file_upload_queue"
	// DefaultDownloadQueue is declared for old producers but never consumed.
	DefaultDownloadQueue = "file_download_queue"
	// DefaultReconnectDelay is the pause between broker reconnect attempts.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultQueueDepthInterval is how often queue depth gauges refresh.
	DefaultQueueDepthInterval = 5 * time.Second
	// DefaultMaxUploadBytes caps one multipart upload.
	DefaultMaxUploadBytes = 10 << 20
	// DefaultDedupCapacity bounds the duplicate-suppression cache.
	DefaultDedupCapacity = 1024
	// DefaultDedupTTL is the duplicate-suppression window.
	DefaultDedupTTL = 60 * time.Second
)

// Config assembles a gateway Server.
type Config struct {
	// Listen is the HTTP bind address (for example ":3004").
	Listen string
	// BrokerURL is the AMQP broker address.
	BrokerURL string
	// UploadQueue is the durable queue the gateway publishes to and consumes.
	UploadQueue string
	// DownloadQueue is declared durable for compatibility with old producers.
	DownloadQueue string
	// ReconnectDelay is the pause between broker reconnect attempts.
	ReconnectDelay time.Duration
	// QueueDepthInterval controls the depth gauge refresh cadence.
	QueueDepthInterval time.Duration
	// MaxUploadBytes caps one multipart upload body.
	MaxUploadBytes int64
	// DedupCapacity bounds the duplicate-suppression cache.
	DedupCapacity int
	// DedupTTL is the duplicate-suppression window.
	DedupTTL time.Duration
	// JWTSecret verifies bearer tokens on the file routes.
	JWTSecret string
	// S3 configures the object store backend.
	S3 store.Config
	// Logger receives structured events; nil silences the server.
	Logger pslog.Logger
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.BrokerURL == "" {
		c.BrokerURL = DefaultBrokerURL
	}
	if c.UploadQueue == "" {
		c.UploadQueue = DefaultUploadQueue
	}
	if c.DownloadQueue == "" {
		c.DownloadQueue = DefaultDownloadQueue
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.QueueDepthInterval <= 0 {
		c.QueueDepthInterval = DefaultQueueDepthInterval
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = DefaultDedupCapacity
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = DefaultDedupTTL
	}
	return c
}

// Validate reports the first configuration problem. It assumes defaults have
// been applied.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("blobd: jwt secret is required")
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("blobd: storage bucket is required")
	}
	return nil
}
