// Package events publishes clinical record changes for downstream consumers
// (billing, reporting, lab interfaces).
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/db"
)

const (
	DiagnosisCreated     = "diagnosis.created"
	DiagnosisUpdated     = "diagnosis.updated"
	PrescriptionCreated  = "prescription.created"
	PrescriptionQueued   = "prescription.erx_queued"
	LabOrderCreated      = "laborder.created"
	LabOrderSentToLab    = "laborder.sent_to_lab"
	LabOrderCancelled    = "laborder.cancelled"
	PaymentPostingPosted = "payment_posting.created"
)

type Event struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   uuid.UUID       `json:"resource_id"`
	PatientID    uuid.UUID       `json:"patient_id"`
	Practice     string          `json:"practice,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// New builds an event stamped with the practice on ctx.
func New(ctx context.Context, typ, resourceType string, resourceID, patientID uuid.UUID, payload interface{}) Event {
	ev := Event{
		ID:           uuid.New(),
		Type:         typ,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		PatientID:    patientID,
		Practice:     db.PracticeFromContext(ctx),
		OccurredAt:   time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Emit publishes and logs failures instead of returning them. When ctx
// carries an Outbox the events are held there until the surrounding
// transaction commits.
func Emit(ctx context.Context, p Publisher, logger zerolog.Logger, events ...Event) {
	if len(events) == 0 {
		return
	}
	if ob := outboxFrom(ctx); ob != nil {
		ob.add(p, events...)
		return
	}
	if p == nil {
		return
	}
	if err := p.Publish(ctx, events...); err != nil {
		logger.Warn().Err(err).Str("event_type", events[0].Type).Int("count", len(events)).Msg("publish events failed")
	}
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, events ...Event) error {
	for _, ev := range events {
		p.logger.Debug().
			Str("event_type", ev.Type).
			Str("resource_type", ev.ResourceType).
			Str("resource_id", ev.ResourceID.String()).
			Msg("event")
	}
	return nil
}

type outboxKey struct{}

// Outbox buffers events raised inside a transaction.
type Outbox struct {
	mu      sync.Mutex
	pending []pendingEvent
}

type pendingEvent struct {
	p  Publisher
	ev Event
}

// WithOutbox returns a context whose Emit calls are buffered in the
// returned Outbox.
func WithOutbox(ctx context.Context) (context.Context, *Outbox) {
	ob := &Outbox{}
	return context.WithValue(ctx, outboxKey{}, ob), ob
}

func outboxFrom(ctx context.Context) *Outbox {
	ob, _ := ctx.Value(outboxKey{}).(*Outbox)
	return ob
}

func (o *Outbox) add(p Publisher, events ...Event) {
	if p == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ev := range events {
		o.pending = append(o.pending, pendingEvent{p: p, ev: ev})
	}
}

// Len reports the number of buffered events.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Flush publishes buffered events in order and empties the outbox. ctx
// must not carry the outbox itself.
func (o *Outbox) Flush(ctx context.Context, logger zerolog.Logger) {
	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	for _, pe := range pending {
		Emit(ctx, pe.p, logger, pe.ev)
	}
}

// Discard drops buffered events, e.g. after a rollback.
func (o *Outbox) Discard() {
	o.mu.Lock()
	o.pending = nil
	o.mu.Unlock()
}
