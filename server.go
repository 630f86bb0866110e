// Package blobd assembles the object gateway: an HTTP boundary that queues
// uploads through an AMQP broker, a prefetch-1 consumer that writes queued
// uploads to an S3-compatible store, and tenant-scoped download, delete and
// list operations over that store.
package blobd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"pkt.systems/blobd/internal/consumer"
	"pkt.systems/blobd/internal/dedup"
	"pkt.systems/blobd/internal/httpapi"
	"pkt.systems/blobd/internal/metrics"
	"pkt.systems/blobd/internal/queue"
	"pkt.systems/blobd/internal/store"
)

const shutdownGrace = 10 * time.Second

// Server owns every component of one gateway instance.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *store.Store
	queue    *queue.Manager
	consumer *consumer.Consumer
	handler  *httpapi.Handler
	httpSrv  *http.Server
}

// NewServer wires a Server from cfg. Nothing connects until Run.
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	st, err := store.New(cfg.S3, m, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	mgr, err := queue.NewManager(queue.Config{
		URL:           cfg.BrokerURL,
		UploadQueue:   cfg.UploadQueue,
		DownloadQueue: cfg.DownloadQueue,
		Reconnect:     queue.Policy{BaseDelay: cfg.ReconnectDelay},
		Logger:        logger,
		OnQueueDepth: func(queueName string, messages int) {
			m.QueueMessages.WithLabelValues(queueName).Set(float64(messages))
		},
		OnReject: func(queueName string) {
			m.RejectedMessages.WithLabelValues(queueName).Inc()
		},
	})
	if err != nil {
		return nil, err
	}
	cache, err := dedup.New(cfg.DedupCapacity, cfg.DedupTTL, nil)
	if err != nil {
		return nil, err
	}
	cons := consumer.New(st, cache, logger)

	handler, err := httpapi.New(httpapi.Config{
		Publisher:      mgr,
		Store:          st,
		UploadQueue:    cfg.UploadQueue,
		JWTSecret:      []byte(cfg.JWTSecret),
		MaxUploadBytes: cfg.MaxUploadBytes,
		Registry:       registry,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	handler.Register(mux)

	return &Server{
		cfg:      cfg,
		logger:   logger.With("sys", "server"),
		registry: registry,
		metrics:  m,
		store:    st,
		queue:    mgr,
		consumer: cons,
		handler:  handler,
		httpSrv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled or a component fails fatally. The
// backing bucket is verified up front; broker connectivity is not, since the
// queue layer reconnects on its own.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("blobd: ensure bucket: %w", err)
	}
	defer s.queue.Close()

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("blobd: listen on %s: %w", s.cfg.Listen, err)
	}
	s.logger.Info("server.listening", "addr", ln.Addr().String())

	errCh := make(chan error, 2)
	go func() {
		if err := s.consumer.Run(ctx, s.queue, s.cfg.UploadQueue); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("blobd: upload consumer: %w", err)
		}
	}()
	go s.refreshQueueDepths(ctx)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("blobd: serve: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("server.shutdown.error", "error", err)
	}
	s.logger.Info("server.stopped")
	return runErr
}

func (s *Server) refreshQueueDepths(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.QueueDepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.queue.RefreshDepths(ctx)
		}
	}
}
