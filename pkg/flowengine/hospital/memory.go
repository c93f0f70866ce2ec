package hospital

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Config configures the in-memory hospital.
type Config struct {
	// MaxSize limits the number of queued patients.
	// Default: 10000
	MaxSize int

	// MaxParked limits the number of parked patients. The oldest parked
	// patient is dropped to make room.
	// Default: 10000
	MaxParked int

	// MaxRetries before a patient is parked.
	// Default: 5
	MaxRetries int

	// RetryDelay before the first retry. Later retries double it.
	// Default: 1 minute
	RetryDelay time.Duration

	// TTL drops queued and parked patients older than this. Zero keeps
	// them forever.
	TTL time.Duration

	// OnEnqueue is called when a patient is queued.
	OnEnqueue func(*Patient)

	// OnPark is called when a patient is parked.
	OnPark func(*ParkedPatient)

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxSize:    10000,
	MaxParked:  10000,
	MaxRetries: 5,
	RetryDelay: time.Minute,
}

// InMemory implements DeadLetterQueue and ParkedQueue in memory.
type InMemory struct {
	mu     sync.RWMutex
	queue  map[string]*Patient
	parked map[string]*ParkedPatient
	cfg    Config

	// Metrics
	enqueued  int64
	retried   int64
	parkedN   int64
	recovered int64
	expired   int64
}

var (
	_ DeadLetterQueue = (*InMemory)(nil)
	_ ParkedQueue     = (*InMemory)(nil)
)

// NewInMemory creates an in-memory hospital.
func NewInMemory(cfg Config) *InMemory {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig.MaxSize
	}
	if cfg.MaxParked <= 0 {
		cfg.MaxParked = DefaultConfig.MaxParked
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig.RetryDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &InMemory{
		queue:  make(map[string]*Patient),
		parked: make(map[string]*ParkedPatient),
		cfg:    cfg,
	}
}

// Enqueue admits a patient into the queue.
func (h *InMemory) Enqueue(_ context.Context, p *Patient) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expireLocked()

	if p.Attempts >= h.cfg.MaxRetries {
		h.parkLocked(p, "max retries exceeded")
		return nil
	}
	if _, exists := h.queue[p.EventID]; !exists && len(h.queue) >= h.cfg.MaxSize {
		return ErrFull
	}
	if p.NextRetryAt.IsZero() {
		p.NextRetryAt = h.cfg.Now().Add(h.cfg.RetryDelay)
	}

	h.queue[p.EventID] = p
	h.enqueued++
	h.cfg.Logger.Warn("event admitted to hospital",
		slog.String("event_id", p.EventID),
		slog.String("flow_id", p.FlowID),
		slog.String("reason", p.Reason),
		slog.Int("attempts", p.Attempts))

	if h.cfg.OnEnqueue != nil {
		h.cfg.OnEnqueue(p)
	}
	return nil
}

// Dequeue removes patients that are due for a retry.
func (h *InMemory) Dequeue(_ context.Context, limit int) ([]*Patient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expireLocked()

	now := h.cfg.Now()
	var ready []*Patient
	for _, p := range h.queue {
		if !p.NextRetryAt.After(now) {
			ready = append(ready, p)
		}
	}
	slices.SortFunc(ready, func(a, b *Patient) int {
		return cmp.Or(a.NextRetryAt.Compare(b.NextRetryAt), cmp.Compare(a.EventID, b.EventID))
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	for _, p := range ready {
		delete(h.queue, p.EventID)
	}
	return ready, nil
}

// Peek returns a queued or parked patient.
func (h *InMemory) Peek(_ context.Context, eventID string) (*Patient, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if p, ok := h.queue[eventID]; ok {
		return p, nil
	}
	if p, ok := h.parked[eventID]; ok {
		return &p.Patient, nil
	}
	return nil, ErrNotFound
}

// Len returns the number of queued patients.
func (h *InMemory) Len(_ context.Context) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.queue), nil
}

// List returns queued patients, oldest failure first.
func (h *InMemory) List(_ context.Context, limit int) ([]*Patient, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Patient, 0, len(h.queue))
	for _, p := range h.queue {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Patient) int {
		return cmp.Or(a.FirstFailedAt.Compare(b.FirstFailedAt), cmp.Compare(a.EventID, b.EventID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Retry counts a failed attempt for a queued patient.
func (h *InMemory) Retry(_ context.Context, eventID string, nextRetryAt time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.queue[eventID]
	if !ok {
		return ErrNotFound
	}
	p.Attempts++
	p.LastFailedAt = h.cfg.Now()
	p.NextRetryAt = nextRetryAt

	if p.Attempts >= h.cfg.MaxRetries {
		delete(h.queue, eventID)
		h.parkLocked(p, "max retries exceeded")
		return nil
	}
	h.retried++
	return nil
}

// RecordRetrySuccess counts a dequeued patient that was reprocessed.
func (h *InMemory) RecordRetrySuccess(_ context.Context, p *Patient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.queue, p.EventID)
	h.recovered++
}

// RecordRetryFailure puts a dequeued patient back with exponential backoff,
// or parks it once its retries are used up.
func (h *InMemory) RecordRetryFailure(_ context.Context, p *Patient, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.cfg.Now()
	p.Attempts++
	p.LastFailedAt = now
	if err != nil {
		p.Reason = err.Error()
	}
	if p.Attempts >= h.cfg.MaxRetries {
		h.parkLocked(p, "max retries exceeded")
		return
	}

	backoff := h.cfg.RetryDelay * time.Duration(1<<uint(p.Attempts))
	p.NextRetryAt = now.Add(backoff)
	h.queue[p.EventID] = p
	h.retried++
}

// MoveToParked parks a queued patient.
func (h *InMemory) MoveToParked(_ context.Context, eventID, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.queue[eventID]
	if !ok {
		return ErrNotFound
	}
	delete(h.queue, eventID)
	h.parkLocked(p, reason)
	return nil
}

// Park stores a patient directly in the parked queue.
func (h *InMemory) Park(_ context.Context, p *Patient, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expireLocked()
	delete(h.queue, p.EventID)
	h.parkLocked(p, reason)
	return nil
}

func (h *InMemory) parkLocked(p *Patient, reason string) {
	if _, exists := h.parked[p.EventID]; !exists && len(h.parked) >= h.cfg.MaxParked {
		h.dropOldestParkedLocked()
	}
	parked := &ParkedPatient{
		Patient:    *p,
		ParkReason: reason,
		ParkedAt:   h.cfg.Now(),
	}
	h.parked[p.EventID] = parked
	h.parkedN++
	h.cfg.Logger.Error("event parked in hospital",
		slog.String("event_id", p.EventID),
		slog.String("flow_id", p.FlowID),
		slog.String("reason", reason))

	if h.cfg.OnPark != nil {
		h.cfg.OnPark(parked)
	}
}

func (h *InMemory) dropOldestParkedLocked() {
	var oldest *ParkedPatient
	for _, p := range h.parked {
		if oldest == nil || p.ParkedAt.Before(oldest.ParkedAt) {
			oldest = p
		}
	}
	if oldest != nil {
		delete(h.parked, oldest.EventID)
		h.expired++
	}
}

// expireLocked drops patients older than the TTL.
func (h *InMemory) expireLocked() {
	if h.cfg.TTL <= 0 {
		return
	}
	cutoff := h.cfg.Now().Add(-h.cfg.TTL)
	for id, p := range h.queue {
		if p.FirstFailedAt.Before(cutoff) {
			delete(h.queue, id)
			h.expired++
		}
	}
	for id, p := range h.parked {
		if p.ParkedAt.Before(cutoff) {
			delete(h.parked, id)
			h.expired++
		}
	}
}

// ParkedLen returns the number of parked patients.
func (h *InMemory) ParkedLen(_ context.Context) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.parked), nil
}

// ListParked returns parked patients, oldest first.
func (h *InMemory) ListParked(_ context.Context, limit int) ([]*ParkedPatient, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*ParkedPatient, 0, len(h.parked))
	for _, p := range h.parked {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *ParkedPatient) int {
		return cmp.Or(a.ParkedAt.Compare(b.ParkedAt), cmp.Compare(a.EventID, b.EventID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkReviewed records an operator review.
func (h *InMemory) MarkReviewed(_ context.Context, eventID, reviewedBy string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.parked[eventID]
	if !ok {
		return ErrNotFound
	}
	now := h.cfg.Now()
	p.ReviewedBy = reviewedBy
	p.ReviewedAt = &now
	return nil
}

// Discharge moves a parked patient back into the queue, due immediately.
func (h *InMemory) Discharge(_ context.Context, eventID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	parked, ok := h.parked[eventID]
	if !ok {
		return ErrNotFound
	}
	if len(h.queue) >= h.cfg.MaxSize {
		return ErrFull
	}
	p := parked.Patient
	p.Attempts = 0
	p.NextRetryAt = h.cfg.Now()

	h.queue[eventID] = &p
	delete(h.parked, eventID)
	return nil
}

// DeleteParked removes a parked patient.
func (h *InMemory) DeleteParked(_ context.Context, eventID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.parked[eventID]; !ok {
		return ErrNotFound
	}
	delete(h.parked, eventID)
	return nil
}

// Stats returns hospital statistics.
func (h *InMemory) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Stats{
		QueueSize:  len(h.queue),
		ParkedSize: len(h.parked),
		Enqueued:   h.enqueued,
		Retried:    h.retried,
		Parked:     h.parkedN,
		Recovered:  h.recovered,
		Expired:    h.expired,
	}
}
