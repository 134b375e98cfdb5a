package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bitflowhq/bitflow-core/natsclient"
)

// Event names, matching the public webhook contract.
const (
	StreamCreated         = "stream.created"
	StreamCancelled       = "stream.cancelled"
	StreamCompleted       = "stream.completed"
	PaymentReceived       = "payment.received"
	BridgeCompleted       = "bridge.completed"
	BridgeFailed          = "bridge.failed"
	YieldDistributed      = "yield.distributed"
	SubscriptionCreated   = "subscription.created"
	SubscriptionCancelled = "subscription.cancelled"
	SystemPaused          = "system.paused"
	SystemResumed         = "system.resumed"
)

// SubjectPrefix is prepended to event names to form NATS subjects
// (stream.created -> bitflow.events.stream.created).
const SubjectPrefix = "bitflow.events."

// Envelope is the wire format for published events.
type Envelope struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher emits lifecycle events. Publishing is best-effort: the
// settlement operation has already committed by the time its event is
// emitted, so implementations must not block operations on delivery.
type Publisher interface {
	Publish(ctx context.Context, event string, data map[string]any) error
}

// NATSPublisher publishes events over a NATS connection.
type NATSPublisher struct {
	client *natsclient.Client
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher over the given client.
func NewNATSPublisher(client *natsclient.Client, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{client: client, logger: logger}
}

// Publish emits one event envelope to its subject.
func (p *NATSPublisher) Publish(ctx context.Context, event string, data map[string]any) error {
	env := Envelope{
		ID:        uuid.NewString(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event, err)
	}

	if err := p.client.Publish(ctx, SubjectPrefix+event, payload); err != nil {
		return fmt.Errorf("publish event %s: %w", event, err)
	}

	p.logger.Debug("Published event", "event", event, "event_id", env.ID)
	return nil
}

// Nop is a Publisher that discards events, used when NATS is not configured
// and in tests.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(context.Context, string, map[string]any) error { return nil }

// Recorder is a Publisher that captures events for test assertions.
type Recorder struct {
	Events []Envelope
}

// Publish records the event in memory.
func (r *Recorder) Publish(_ context.Context, event string, data map[string]any) error {
	r.Events = append(r.Events, Envelope{
		ID:        uuid.NewString(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	names := make([]string, len(r.Events))
	for i, e := range r.Events {
		names[i] = e.Event
	}
	return names
}
