// Package consumer turns queued upload envelopes into stored objects. It is
// the only reader of the upload queue and applies process-local duplicate
// suppression before touching the store.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/dedup"
	"pkt.systems/blobd/internal/queue"
	"pkt.systems/blobd/internal/store"
)

// ErrValidation marks envelopes that can never be processed. They are
// rejected without requeue; retrying a malformed message cannot fix it.
var ErrValidation = errors.New("consumer: invalid upload message")

// Storage is the subset of the store the consumer writes through.
type Storage interface {
	Store(ctx context.Context, file store.File, owner store.Identity) (*api.StoredObject, error)
}

// Subscriber is the queue-side dependency, satisfied by *queue.Manager.
type Subscriber interface {
	Subscribe(ctx context.Context, queueName string, handler queue.Handler) error
}

// Consumer processes upload envelopes delivered from the broker.
type Consumer struct {
	storage Storage
	cache   *dedup.Cache
	logger  pslog.Logger
}

// New assembles a Consumer. A nil cache disables duplicate suppression and a
// nil logger silences it.
func New(storage Storage, cache *dedup.Cache, logger pslog.Logger) *Consumer {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Consumer{
		storage: storage,
		cache:   cache,
		logger:  logger.With("sys", "consumer"),
	}
}

// Result reports what HandleUpload did with one delivery.
type Result struct {
	// Skipped is true when the message was a recent duplicate and was
	// acknowledged without a storage write.
	Skipped bool
	Object  *api.StoredObject
}

// HandleUpload processes one queued upload. Duplicates within the dedup
// window are skipped successfully. Validation failures and storage errors
// are returned; the queue layer rejects those messages without requeue.
func (c *Consumer) HandleUpload(ctx context.Context, payload []byte, props queue.Properties) (Result, error) {
	identity := props.MessageID
	if identity == "" {
		// Old producers omitted the message-id property; derive a stable
		// identity from the payload itself so redeliveries still collapse.
		identity = queue.FallbackID(payload)
	}
	if c.cache != nil && c.cache.Seen(identity) {
		c.logger.Info("consumer.upload.duplicate", "message_id", identity)
		return Result{Skipped: true}, nil
	}

	var env api.UploadEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Result{}, fmt.Errorf("%w: decode envelope: %w", ErrValidation, err)
	}
	owner := env.Metadata.OwnerID()
	if owner == "" {
		return Result{}, fmt.Errorf("%w: missing owner identifier", ErrValidation)
	}
	if len(env.File.Buffer) == 0 {
		return Result{}, fmt.Errorf("%w: missing file buffer", ErrValidation)
	}
	if env.File.OriginalName == "" {
		return Result{}, fmt.Errorf("%w: missing original file name", ErrValidation)
	}
	data, err := env.File.DecodeBuffer()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	stored, err := c.storage.Store(ctx, store.File{
		Reader:       bytes.NewReader(data),
		Size:         int64(len(data)),
		OriginalName: env.File.OriginalName,
		MimeType:     env.File.MimeType,
	}, store.Identity{
		ID:    owner,
		Role:  store.ParseRole(env.Metadata.Role),
		Name:  env.Metadata.Name,
		Email: env.Metadata.Email,
	})
	if err != nil {
		// Not marked as seen: a redelivered copy gets another chance once
		// the store recovers.
		return Result{}, fmt.Errorf("consumer: store upload: %w", err)
	}
	if c.cache != nil {
		c.cache.Mark(identity)
	}
	c.logger.Info("consumer.upload.stored",
		"message_id", identity,
		"key", stored.Key,
		"owner", owner,
		"bytes", len(data),
	)
	return Result{Object: stored}, nil
}

// Run consumes queueName until ctx is cancelled, feeding every delivery
// through HandleUpload.
func (c *Consumer) Run(ctx context.Context, sub Subscriber, queueName string) error {
	return sub.Subscribe(ctx, queueName, func(ctx context.Context, payload []byte, props queue.Properties) error {
		_, err := c.HandleUpload(ctx, payload, props)
		return err
	})
}
