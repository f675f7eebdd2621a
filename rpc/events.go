package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/types"
)

// ErrInvalidEventName is returned for malformed domains or event types.
var ErrInvalidEventName = errors.New("invalid event name")

// Event is a broadcast notification.
type Event struct {
	ID        string          `json:"id"`
	Domain    string          `json:"domain"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Data, out)
}

// EventBus publishes and subscribes to events.<domain>.<event_type>.
type EventBus struct {
	conn   *nats.Conn
	source string
	logger types.Logger
}

// NewEventBus creates an event bus. source identifies the publisher in every
// event, usually the instance ID.
func NewEventBus(conn *nats.Conn, source string, logger types.Logger) (*EventBus, error) {
	if conn == nil {
		return nil, types.ErrNATSConnectionRequired
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &EventBus{conn: conn, source: source, logger: logger}, nil
}

// Publish broadcasts one event. Publishing is fire-and-forget; ctx is only
// checked before sending.
func (b *EventBus) Publish(ctx context.Context, domain, eventType string, data any) error {
	if !validMethod(domain) || !validMethod(eventType) {
		return fmt.Errorf("%w: %q.%q", ErrInvalidEventName, domain, eventType)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ev := Event{
		ID:        uuid.NewString(),
		Domain:    domain,
		Type:      eventType,
		Source:    b.source,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		ev.Data = raw
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.conn.Publish(EventSubject(domain, eventType), payload); err != nil {
		return fmt.Errorf("publish %s.%s: %w", domain, eventType, err)
	}

	return nil
}

// Subscribe delivers events of domain and eventType to handler. Either may be
// "*" to match any token. Undecodable messages are logged and dropped.
func (b *EventBus) Subscribe(domain, eventType string, handler func(Event)) (*nats.Subscription, error) {
	subject := EventSubject(domain, eventType)

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("dropping undecodable event", "subject", msg.Subject, "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	return sub, nil
}
