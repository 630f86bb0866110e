// Package queue owns the broker side of the upload pipeline: one logical
// AMQP connection and channel, reconnect handling, durable publishing and
// prefetch-1 consumption.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"pkt.systems/pslog"

	"pkt.systems/blobd/internal/clock"
)

// ErrConnection indicates the broker was unreachable after the bounded
// publish retry. Subscriptions never surface it; they retry indefinitely.
var ErrConnection = errors.New("queue: broker unavailable")

// State describes the managed connection lifecycle.
type State int

// Connection states. Transitions are serialized by the manager's mutex so a
// single instance never runs concurrent reconnect attempts.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Properties carries broker-supplied message properties to consumers.
type Properties struct {
	MessageID string
}

// Handler processes one delivered message. A nil return acknowledges the
// message; an error rejects it without requeue, dropping it permanently.
type Handler func(ctx context.Context, payload []byte, props Properties) error

// Config assembles a Manager.
type Config struct {
	URL         string
	UploadQueue string
	// DownloadQueue is declared durable for backward compatibility with old
	// producers but is never consumed.
	DownloadQueue string
	Reconnect     Policy
	Dial          DialFunc
	Clock         clock.Clock
	Logger        pslog.Logger
	// OnQueueDepth receives best-effort queue depth observations for the
	// metrics layer.
	OnQueueDepth func(queue string, messages int)
	// OnReject is invoked for every delivery rejected without requeue.
	OnReject func(queue string)
}

// Manager owns one logical connection and channel to the broker. All state
// transitions go through its mutex; the handles themselves are used outside
// the lock, which is safe because amqp091 channels serialize internally.
type Manager struct {
	cfg    Config
	logger pslog.Logger
	clk    clock.Clock
	dial   DialFunc

	mu    sync.Mutex
	conn  Connection
	ch    Channel
	state State
}

// NewManager validates cfg and returns a disconnected Manager. The first
// publish or subscribe establishes the connection.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("queue: broker URL is required")
	}
	if cfg.UploadQueue == "" {
		return nil, fmt.Errorf("queue: upload queue name is required")
	}
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("sys", "queue"),
		clk:    cfg.Clock,
		dial:   cfg.Dial,
	}, nil
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Publish encodes payload as JSON and sends it to queueName with the
// persistence flag and a message-id property set. A send failure discards
// the connection handles, reconnects exactly once and retries; a second
// failure surfaces as ErrConnection.
func (m *Manager) Publish(ctx context.Context, queueName string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: encode message: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    MessageID(payload, m.clk.Now()),
		Body:         body,
	}
	if err := m.publishOnce(ctx, queueName, msg); err != nil {
		m.logger.Warn("queue.publish.retry", "queue", queueName, "message_id", msg.MessageId, "error", err)
		m.disconnect()
		if err := m.publishOnce(ctx, queueName, msg); err != nil {
			m.logger.Error("queue.publish.failed", "queue", queueName, "message_id", msg.MessageId, "error", err)
			return fmt.Errorf("%w: publish to %q: %w", ErrConnection, queueName, err)
		}
	}
	m.logger.Debug("queue.publish.success", "queue", queueName, "message_id", msg.MessageId, "bytes", len(body))
	if m.cfg.OnQueueDepth != nil {
		// Depth refresh is observability only; keep it off the critical path.
		go m.RefreshDepths(context.WithoutCancel(ctx))
	}
	return nil
}

func (m *Manager) publishOnce(ctx context.Context, queueName string, msg amqp.Publishing) error {
	ch, err := m.channel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", queueName, false, false, msg); err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Subscribe consumes queueName with a prefetch of one until ctx is
// cancelled. Handler success acknowledges the message; handler failure
// rejects it without requeue. Broker failures reset the connection and the
// subscription is retried after the configured delay, indefinitely.
func (m *Manager) Subscribe(ctx context.Context, queueName string, handler Handler) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deliveries, err := m.consume(queueName)
		if err != nil {
			attempt++
			if waitErr := m.backoff(ctx, queueName, attempt, err); waitErr != nil {
				return waitErr
			}
			continue
		}
		attempt = 0
		m.logger.Info("queue.subscribe.active", "queue", queueName)
		if err := m.deliverLoop(ctx, queueName, deliveries, handler); err != nil {
			return err
		}
		// Delivery channel closed: the broker connection was lost.
		attempt++
		if waitErr := m.backoff(ctx, queueName, attempt, errors.New("delivery channel closed")); waitErr != nil {
			return waitErr
		}
	}
}

func (m *Manager) backoff(ctx context.Context, queueName string, attempt int, cause error) error {
	delay := m.cfg.Reconnect.Delay(attempt)
	m.logger.Warn("queue.subscribe.retry",
		"queue", queueName,
		"attempt", attempt,
		"delay", delay,
		"error", cause,
	)
	m.disconnect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clk.After(delay):
		return nil
	}
}

func (m *Manager) consume(queueName string) (<-chan amqp.Delivery, error) {
	ch, err := m.channel()
	if err != nil {
		return nil, err
	}
	// Prefetch 1: at most one unacknowledged message in flight per consumer,
	// bounding memory and providing backpressure against a slow handler.
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("queue: set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: consume %q: %w", queueName, err)
	}
	return deliveries, nil
}

func (m *Manager) deliverLoop(ctx context.Context, queueName string, deliveries <-chan amqp.Delivery, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			m.handleDelivery(ctx, queueName, d, handler)
		}
	}
}

func (m *Manager) handleDelivery(ctx context.Context, queueName string, d amqp.Delivery, handler Handler) {
	if err := handler(ctx, d.Body, Properties{MessageID: d.MessageId}); err != nil {
		// No dead-letter queue exists: a rejected message is gone for good,
		// so every rejection is logged.
		m.logger.Warn("queue.consume.rejected", "queue", queueName, "message_id", d.MessageId, "error", err)
		if m.cfg.OnReject != nil {
			m.cfg.OnReject(queueName)
		}
		if nackErr := d.Nack(false, false); nackErr != nil {
			m.logger.Warn("queue.consume.nack_error", "queue", queueName, "message_id", d.MessageId, "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		m.logger.Warn("queue.consume.ack_error", "queue", queueName, "message_id", d.MessageId, "error", ackErr)
		return
	}
	m.logger.Debug("queue.consume.acked", "queue", queueName, "message_id", d.MessageId)
}

// QueueDepth reports the number of ready messages in queueName.
func (m *Manager) QueueDepth(queueName string) (int, error) {
	ch, err := m.channel()
	if err != nil {
		return 0, err
	}
	q, err := ch.QueueDeclarePassive(queueName, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("queue: inspect %q: %w", queueName, err)
	}
	return q.Messages, nil
}

// RefreshDepths pushes current depths for all managed queues to the
// configured callback. Failures are logged and swallowed; depth metrics are
// best effort.
func (m *Manager) RefreshDepths(ctx context.Context) {
	if m.cfg.OnQueueDepth == nil {
		return
	}
	for _, name := range m.queueNames() {
		if ctx.Err() != nil {
			return
		}
		depth, err := m.QueueDepth(name)
		if err != nil {
			m.logger.Debug("queue.depth.refresh_error", "queue", name, "error", err)
			continue
		}
		m.cfg.OnQueueDepth(name, depth)
	}
}

// Close releases the channel then the connection. Errors from either step
// are logged and swallowed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked()
	m.logger.Info("queue.close.complete")
}

func (m *Manager) channel() (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		return m.ch, nil
	}
	if err := m.connectLocked(); err != nil {
		return nil, err
	}
	return m.ch, nil
}

func (m *Manager) connectLocked() error {
	m.state = StateConnecting
	conn, err := m.dial(m.cfg.URL)
	if err != nil {
		m.state = StateDisconnected
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			m.logger.Debug("queue.connect.close_error", "error", closeErr)
		}
		m.state = StateDisconnected
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	for _, name := range m.queueNames() {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			if closeErr := ch.Close(); closeErr != nil {
				m.logger.Debug("queue.connect.close_error", "error", closeErr)
			}
			if closeErr := conn.Close(); closeErr != nil {
				m.logger.Debug("queue.connect.close_error", "error", closeErr)
			}
			m.state = StateDisconnected
			return fmt.Errorf("%w: declare %q: %w", ErrConnection, name, err)
		}
	}
	m.conn = conn
	m.ch = ch
	m.state = StateConnected
	m.logger.Info("queue.connect.success", "url", redactURL(m.cfg.URL))
	return nil
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked()
}

func (m *Manager) dropLocked() {
	if m.ch != nil {
		if err := m.ch.Close(); err != nil {
			m.logger.Debug("queue.channel.close_error", "error", err)
		}
		m.ch = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("queue.connection.close_error", "error", err)
		}
		m.conn = nil
	}
	m.state = StateDisconnected
}

func (m *Manager) queueNames() []string {
	names := []string{m.cfg.UploadQueue}
	if m.cfg.DownloadQueue != "" {
		names = append(names, m.cfg.DownloadQueue)
	}
	return names
}
