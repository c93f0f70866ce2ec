// Package hospital holds flow events that could not be processed.
//
// A failed event is admitted as a Patient into the dead letter queue, where
// it waits for a retry with growing delay. Events that exhaust their retries,
// or that can never succeed, are parked for an operator to inspect, discharge
// back into the queue, or delete.
//
//	h := hospital.NewInMemory(hospital.Config{MaxRetries: 3})
//	_ = h.Enqueue(ctx, hospital.NewPatient(evt, err, "store unavailable", time.Now()))
//
// The Sweeper drains patients that are due and resubmits their events.
package hospital

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
)

// Sentinel errors.
var (
	ErrFull     = errors.New("hospital: queue is full")
	ErrNotFound = errors.New("hospital: patient not found")
)

// Patient is a flow event that failed processing.
type Patient struct {
	// Event information
	EventID   string            `json:"event_id"`
	FlowID    string            `json:"flow_id"`
	EventType event.PayloadType `json:"event_type,omitempty"`
	Event     *event.FlowEvent  `json:"event,omitempty"`

	// Error information
	Error  *feerrors.Envelope `json:"error,omitempty"`
	Reason string             `json:"reason"`

	// Retry tracking
	Attempts      int       `json:"attempts"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
	NextRetryAt   time.Time `json:"next_retry_at,omitzero"`
}

// NewPatient builds a patient for evt. A nil event is admitted under a
// generated id so it can still be inspected.
func NewPatient(evt *event.FlowEvent, err error, reason string, now time.Time) *Patient {
	p := &Patient{
		Error:         feerrors.NewEnvelope(err),
		Reason:        reason,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}
	if evt == nil {
		p.EventID = uuid.NewString()
		return p
	}
	p.EventID = evt.Meta.EventID
	p.FlowID = evt.FlowID
	p.EventType = evt.Type()
	p.Event = evt
	return p
}

// ParkedPatient is a patient that will not be retried automatically.
type ParkedPatient struct {
	Patient

	ParkReason string     `json:"park_reason"`
	ParkedAt   time.Time  `json:"parked_at"`
	ReviewedBy string     `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
}

// DeadLetterQueue stores patients waiting for a retry.
type DeadLetterQueue interface {
	// Enqueue admits a patient. Patients that already used up their retries
	// are parked instead.
	Enqueue(ctx context.Context, p *Patient) error

	// Dequeue removes and returns up to limit patients that are due, oldest
	// retry time first.
	Dequeue(ctx context.Context, limit int) ([]*Patient, error)

	// Peek returns a patient without removing it.
	Peek(ctx context.Context, eventID string) (*Patient, error)

	// Len returns the number of queued patients.
	Len(ctx context.Context) (int, error)

	// List returns up to limit queued patients, oldest failure first.
	List(ctx context.Context, limit int) ([]*Patient, error)

	// Retry counts a failed attempt and schedules the next one.
	Retry(ctx context.Context, eventID string, nextRetryAt time.Time) error

	// MoveToParked parks a queued patient.
	MoveToParked(ctx context.Context, eventID, reason string) error
}

// ParkedQueue stores patients that need an operator.
type ParkedQueue interface {
	// Park stores a patient directly, bypassing retries.
	Park(ctx context.Context, p *Patient, reason string) error

	// ListParked returns up to limit parked patients, oldest first.
	ListParked(ctx context.Context, limit int) ([]*ParkedPatient, error)

	// ParkedLen returns the number of parked patients.
	ParkedLen(ctx context.Context) (int, error)

	// MarkReviewed records that an operator looked at a parked patient.
	MarkReviewed(ctx context.Context, eventID, reviewedBy string) error

	// Discharge moves a parked patient back into the queue with its retry
	// count reset.
	Discharge(ctx context.Context, eventID string) error

	// DeleteParked removes a parked patient for good.
	DeleteParked(ctx context.Context, eventID string) error
}

// Stats summarizes hospital activity.
type Stats struct {
	QueueSize  int   // Current queue size
	ParkedSize int   // Current parked size
	Enqueued   int64 // Total patients admitted to the queue
	Retried    int64 // Total retry attempts
	Parked     int64 // Total patients parked
	Recovered  int64 // Total patients that left the queue successfully
	Expired    int64 // Total patients dropped after their TTL
}
