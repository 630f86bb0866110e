// Package store is the tenant-isolation layer over the object store's flat
// key namespace. Every key written here starts with the owning tenant's
// identifier; the same prefix is the sole authorization boundary for reads,
// deletes and list filtering.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/clock"
	"pkt.systems/blobd/internal/metrics"
)

// Sentinel errors the boundary layer maps onto distinct responses.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrAccessDenied = errors.New("store: access denied")
)

// Config controls the S3-compatible backend connection.
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Insecure       bool
	ForcePathStyle bool
	Transport      http.RoundTripper
}

// Store performs authorized object operations against one bucket.
type Store struct {
	client  *minio.Client
	cfg     Config
	metrics *metrics.Metrics
	clk     clock.Clock
	logger  pslog.Logger
}

// Option adjusts optional Store collaborators.
type Option func(*Store)

// WithClock overrides the wall clock used for key timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// WithLogger attaches a logger to the store.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("sys", "store")
		}
	}
}

// New constructs a Store using the provided configuration.
func New(cfg Config, m *metrics.Metrics, opts ...Option) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("store: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("store: create client: %w", err)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	s := &Store{
		client:  client,
		cfg:     cfg,
		metrics: m,
		clk:     clock.Real{},
		logger:  pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureBucket provisions the backing bucket, tolerating the benign race
// where a concurrent instance created it first. Any other failure is fatal
// at startup.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("store: check bucket %q: %w", s.cfg.Bucket, err)
	}
	if exists {
		s.logger.Debug("store.bucket.exists", "bucket", s.cfg.Bucket)
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		if isBucketAlreadyOwned(err) {
			s.logger.Debug("store.bucket.create_race", "bucket", s.cfg.Bucket)
			return nil
		}
		return fmt.Errorf("store: create bucket %q: %w", s.cfg.Bucket, err)
	}
	s.logger.Info("store.bucket.created", "bucket", s.cfg.Bucket)
	return nil
}

// File is the binary content handed to Store together with its upload
// metadata.
type File struct {
	Reader       io.Reader
	Size         int64
	OriginalName string
	MimeType     string
}

// ObjectInfo describes a stored object as returned by Retrieve.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// GetResult pairs an object stream with its metadata. Callers must close
// the reader.
type GetResult struct {
	Reader io.ReadCloser
	Info   ObjectInfo
}

// Store writes file under a fresh tenant-prefixed key and attaches the
// owner's identity as object metadata. Keys embed a millisecond timestamp,
// so concurrent writers never collide.
func (s *Store) Store(ctx context.Context, file File, owner Identity) (*api.StoredObject, error) {
	if owner.ID == "" {
		return nil, fmt.Errorf("store: owner id is required")
	}
	key := fmt.Sprintf("%s/%d-%s", owner.ID, s.clk.Now().UnixMilli(), file.OriginalName)
	start := time.Now()
	s.logger.Debug("store.put.begin", "key", key, "size", file.Size)

	s.metrics.ActiveUploads.Inc()
	defer s.metrics.ActiveUploads.Dec()

	contentType := file.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	putOpts := minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"owner-id":      owner.ID,
			"owner-name":    owner.Name,
			"owner-email":   owner.Email,
			"original-name": file.OriginalName,
		},
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, key, file.Reader, file.Size, putOpts)
	if err != nil {
		s.metrics.UploadRequests.WithLabelValues(metrics.StatusError, owner.ID).Inc()
		s.logger.Warn("store.put.error", "key", key, "error", err)
		return nil, fmt.Errorf("store: put object %q: %w", key, err)
	}
	s.metrics.UploadRequests.WithLabelValues(metrics.StatusSuccess, owner.ID).Inc()
	s.metrics.UploadBytes.WithLabelValues(metrics.StatusSuccess, owner.ID).Add(float64(info.Size))
	s.logger.Info("store.put.success", "key", key, "bytes", info.Size, "elapsed", time.Since(start))
	return &api.StoredObject{
		Key:      key,
		Location: fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.client.EndpointURL().String(), "/"), s.cfg.Bucket, key),
		MimeType: contentType,
	}, nil
}

// Retrieve streams the object at key after checking the requester's access.
// Denied access surfaces as ErrAccessDenied and a missing object as
// ErrNotFound so the boundary layer can respond differently to each.
func (s *Store) Retrieve(ctx context.Context, key string, requester Identity) (GetResult, error) {
	if !Authorize(key, requester.ID, requester.Role) {
		s.logger.Warn("store.get.denied", "key", key, "requester", requester.ID)
		return GetResult{}, fmt.Errorf("%w: %q", ErrAccessDenied, key)
	}
	s.metrics.ActiveDownloads.Inc()
	defer s.metrics.ActiveDownloads.Dec()

	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		s.metrics.DownloadRequests.WithLabelValues(metrics.StatusError, requester.ID).Inc()
		s.logger.Warn("store.get.error", "key", key, "error", err)
		return GetResult{}, fmt.Errorf("store: get object %q: %w", key, err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			s.metrics.DownloadRequests.WithLabelValues(metrics.StatusError, requester.ID).Inc()
			s.logger.Debug("store.get.not_found", "key", key)
			return GetResult{}, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		s.metrics.DownloadRequests.WithLabelValues(metrics.StatusError, requester.ID).Inc()
		s.logger.Warn("store.get.stat_error", "key", key, "error", err)
		return GetResult{}, fmt.Errorf("store: stat object %q: %w", key, err)
	}
	s.metrics.DownloadRequests.WithLabelValues(metrics.StatusSuccess, requester.ID).Inc()
	s.metrics.DownloadBytes.WithLabelValues(metrics.StatusSuccess, requester.ID).Add(float64(info.Size))
	s.logger.Debug("store.get.success", "key", key, "bytes", info.Size)
	return GetResult{
		Reader: obj,
		Info: ObjectInfo{
			Key:          key,
			Size:         info.Size,
			ContentType:  info.ContentType,
			LastModified: info.LastModified,
		},
	}, nil
}

// Remove deletes the object at key after the same authorization gate as
// Retrieve.
func (s *Store) Remove(ctx context.Context, key string, requester Identity) error {
	if !Authorize(key, requester.ID, requester.Role) {
		s.logger.Warn("store.remove.denied", "key", key, "requester", requester.ID)
		return fmt.Errorf("%w: %q", ErrAccessDenied, key)
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		s.logger.Warn("store.remove.error", "key", key, "error", err)
		return fmt.Errorf("store: remove object %q: %w", key, err)
	}
	s.logger.Info("store.remove.success", "key", key)
	return nil
}

// List enumerates the objects visible to the requester: everything for an
// admin, only tenant-prefixed keys otherwise. Listing failures yield an
// empty slice rather than an error; this read path favours availability,
// and the cause is logged.
func (s *Store) List(ctx context.Context, requester Identity) []api.ObjectSummary {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	summaries := []api.ObjectSummary{}
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Recursive: true}) {
		if object.Err != nil {
			s.logger.Warn("store.list.error", "bucket", s.cfg.Bucket, "error", object.Err)
			return []api.ObjectSummary{}
		}
		if !Authorize(object.Key, requester.ID, requester.Role) {
			continue
		}
		summaries = append(summaries, api.ObjectSummary{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
		})
	}
	s.logger.Debug("store.list.success", "count", len(summaries), "requester", requester.ID)
	return summaries
}

func isNotFound(err error) bool {
	resp := minio.ErrorResponse{}
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound
	}
	return false
}

func isBucketAlreadyOwned(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return true
	}
	return false
}
