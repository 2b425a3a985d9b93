// Package audit records administrative and billing actions and emits
// subscription events. Both are immutable once constructed and every one
// is logged at warn level, before any persistence is attempted.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pawmatch/gatekeeper/clock"
	"github.com/pawmatch/gatekeeper/eventbus"
	"github.com/pawmatch/gatekeeper/id"
)

// Audit actions.
const (
	ActionSubscriptionSoftCanceled = "subscription.soft_canceled"
	ActionSubscriptionCanceled     = "subscription.canceled"
	ActionSubscriptionRefunded     = "subscription.refunded"
	ActionSubscriptionExpired      = "subscription.expired"
	ActionCompGranted              = "subscription.comp_granted"
	ActionEntitlementsDowngraded   = "entitlements.downgraded"
	ActionConsumableAdded          = "consumable.added"
	ActionConsumableRedeemed       = "consumable.redeemed"
)

// Entry is one append-only audit record.
type Entry struct {
	ID             id.AuditEntryID `json:"id"`
	ActorID        string          `json:"actor_id,omitempty"`
	Action         string          `json:"action"`
	UserID         string          `json:"user_id,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Details        map[string]any  `json:"details,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// EventKind classifies a subscription event.
type EventKind string

const (
	EventCreated    EventKind = "created"
	EventCanceled   EventKind = "canceled"
	EventRefunded   EventKind = "refunded"
	EventRenewed    EventKind = "renewed"
	EventDowngraded EventKind = "downgraded"
	EventExpired    EventKind = "expired"
)

// Event is a notification-grade fact about a subscription. It is not
// authoritative state.
type Event struct {
	ID             id.SubscriptionEventID `json:"id"`
	Kind           EventKind              `json:"kind"`
	UserID         string                 `json:"user_id"`
	SubscriptionID string                 `json:"subscription_id,omitempty"`
	PlanID         string                 `json:"plan_id,omitempty"`
	Data           map[string]any         `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// RoutingKey is the topic the event is published under.
func (e Event) RoutingKey() string { return "subscription." + string(e.Kind) }

// Recorder persists audit entries. Implementations must only append.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, e Entry) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, e Entry) error { return f(ctx, e) }

// Log stamps, logs and forwards audit entries and subscription events.
type Log struct {
	recorder  Recorder
	publisher eventbus.Publisher
	clock     clock.Clock
	logger    *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithRecorder sets where audit entries are persisted.
func WithRecorder(r Recorder) Option { return func(l *Log) { l.recorder = r } }

// WithPublisher sets where subscription events are published.
func WithPublisher(p eventbus.Publisher) Option { return func(l *Log) { l.publisher = p } }

// WithClock sets the timestamp source.
func WithClock(c clock.Clock) Option { return func(l *Log) { l.clock = c } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Log) { l.logger = logger } }

// NewLog creates a Log. Without a recorder or publisher, entries and
// events are only logged.
func NewLog(opts ...Option) *Log {
	l := &Log{
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogAudit stamps e and records it. Recorder failures are logged, not
// returned; use Append when the caller must know.
func (l *Log) LogAudit(ctx context.Context, e Entry) Entry {
	e, _ = l.Append(ctx, e) //nolint:errcheck // logged in Append
	return e
}

// Append stamps e, logs it and hands it to the recorder.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ID.IsNil() {
		e.ID = id.NewAuditEntryID()
	}
	e.Timestamp = l.clock.Now().UTC()

	l.logger.Warn("audit",
		"audit_id", e.ID.String(),
		"action", e.Action,
		"actor_id", e.ActorID,
		"user_id", e.UserID,
		"subscription_id", e.SubscriptionID,
		"reason", e.Reason,
		"details", e.Details,
	)

	if l.recorder == nil {
		return e, nil
	}
	if err := l.recorder.Record(ctx, e); err != nil {
		l.logger.Error("failed to record audit entry",
			"audit_id", e.ID.String(),
			"action", e.Action,
			"error", err,
		)
		return e, err
	}
	return e, nil
}

// CreateSubscriptionEvent stamps ev, logs it and publishes it. Publish
// failures are logged; events are notifications and never block.
func (l *Log) CreateSubscriptionEvent(ctx context.Context, ev Event) Event {
	if ev.ID.IsNil() {
		ev.ID = id.NewSubscriptionEventID()
	}
	ev.Timestamp = l.clock.Now().UTC()

	l.logger.Warn("subscription event",
		"event_id", ev.ID.String(),
		"kind", ev.Kind,
		"user_id", ev.UserID,
		"subscription_id", ev.SubscriptionID,
		"plan_id", ev.PlanID,
	)

	if l.publisher == nil {
		return ev
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("failed to encode subscription event", "event_id", ev.ID.String(), "error", err)
		return ev
	}
	if err := l.publisher.Publish(ctx, ev.RoutingKey(), payload); err != nil {
		l.logger.Error("failed to publish subscription event",
			"event_id", ev.ID.String(),
			"routing_key", ev.RoutingKey(),
			"error", err,
		)
	}
	return ev
}
