package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/blobd"
	"pkt.systems/blobd/internal/store"
	"pkt.systems/pslog"
)

// version is set at build time via -ldflags.
var version = "dev"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("BLOBD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "blobd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			baseLogger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, _ = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "blobd",
		Short:         "Queue-backed multi-tenant object gateway",
		Long:          "blobd accepts authenticated file uploads over HTTP, queues them through an AMQP broker and stores them in an S3-compatible bucket under tenant-scoped keys.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFromViper(baseLogger)
			server, err := blobd.NewServer(cfg)
			if err != nil {
				return err
			}
			return server.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("listen", blobd.DefaultListen, "HTTP bind address")
	flags.String("broker-url", blobd.DefaultBrokerURL, "AMQP broker address")
	flags.String("upload-queue", blobd.DefaultUploadQueue, "durable upload queue name")
	flags.String("download-queue", blobd.DefaultDownloadQueue, "legacy durable download queue name")
	flags.Duration("reconnect-delay", blobd.DefaultReconnectDelay, "pause between broker reconnect attempts")
	flags.Duration("queue-depth-interval", blobd.DefaultQueueDepthInterval, "queue depth gauge refresh cadence")
	flags.Int64("max-upload-bytes", blobd.DefaultMaxUploadBytes, "maximum multipart upload size in bytes")
	flags.Int("dedup-capacity", blobd.DefaultDedupCapacity, "duplicate-suppression cache capacity")
	flags.Duration("dedup-ttl", blobd.DefaultDedupTTL, "duplicate-suppression window")
	flags.String("jwt-secret", "", "shared secret verifying bearer tokens")
	flags.String("s3-endpoint", "", "S3-compatible endpoint (host[:port])")
	flags.String("s3-region", "", "S3 region")
	flags.String("s3-access-key", "", "S3 access key (empty uses the ambient credential chain)")
	flags.String("s3-secret-key", "", "S3 secret key")
	flags.String("s3-bucket", "", "backing bucket name")
	flags.Bool("s3-insecure", false, "use plain HTTP towards the object store")
	flags.Bool("s3-force-path-style", false, "use path-style bucket addressing")

	viper.SetEnvPrefix("BLOBD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})
	bindLegacyEnv()

	return cmd
}

// bindLegacyEnv keeps the environment variable names earlier deployments
// used working alongside the BLOBD_ prefixed ones.
func bindLegacyEnv() {
	aliases := map[string][]string{
		"listen":         {"PORT"},
		"broker-url":     {"RABBITMQ_URL"},
		"upload-queue":   {"RABBITMQ_QUEUE_UPLOAD"},
		"download-queue": {"RABBITMQ_QUEUE_DOWNLOAD"},
		"jwt-secret":     {"JWT_SECRET"},
		"s3-endpoint":    {"MINIO_ENDPOINT"},
		"s3-access-key":  {"MINIO_ACCESS_KEY"},
		"s3-secret-key":  {"MINIO_SECRET_KEY"},
		"s3-bucket":      {"MINIO_BUCKET"},
	}
	for key, names := range aliases {
		args := append([]string{key, "BLOBD_" + strings.ReplaceAll(strings.ToUpper(key), "-", "_")}, names...)
		_ = viper.BindEnv(args...)
	}
}

func configFromViper(baseLogger pslog.Logger) blobd.Config {
	listen := viper.GetString("listen")
	// PORT style values carry no colon.
	if listen != "" && !strings.Contains(listen, ":") {
		listen = ":" + listen
	}
	return blobd.Config{
		Listen:             listen,
		BrokerURL:          viper.GetString("broker-url"),
		UploadQueue:        viper.GetString("upload-queue"),
		DownloadQueue:      viper.GetString("download-queue"),
		ReconnectDelay:     viper.GetDuration("reconnect-delay"),
		QueueDepthInterval: viper.GetDuration("queue-depth-interval"),
		MaxUploadBytes:     viper.GetInt64("max-upload-bytes"),
		DedupCapacity:      viper.GetInt("dedup-capacity"),
		DedupTTL:           viper.GetDuration("dedup-ttl"),
		JWTSecret:          viper.GetString("jwt-secret"),
		S3: store.Config{
			Endpoint:       viper.GetString("s3-endpoint"),
			Region:         viper.GetString("s3-region"),
			AccessKey:      viper.GetString("s3-access-key"),
			SecretKey:      viper.GetString("s3-secret-key"),
			Bucket:         viper.GetString("s3-bucket"),
			Insecure:       viper.GetBool("s3-insecure"),
			ForcePathStyle: viper.GetBool("s3-force-path-style"),
		},
		Logger: baseLogger,
	}
}
