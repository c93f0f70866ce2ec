package hospital

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
)

// Resubmitter hands an event back to the engine.
type Resubmitter func(ctx context.Context, evt *event.FlowEvent) error

// SweeperConfig configures the Sweeper.
type SweeperConfig struct {
	// BatchSize is the number of patients resubmitted per sweep.
	// Default: 10
	BatchSize int

	// PollInterval is how often to look for due patients.
	// Default: 10 seconds
	PollInterval time.Duration

	// OnRetry is called before a patient is resubmitted.
	OnRetry func(*Patient)

	// OnSuccess is called after a successful resubmit.
	OnSuccess func(*Patient)

	// OnFailure is called after a failed resubmit.
	OnFailure func(*Patient, error)
}

// DefaultSweeperConfig provides reasonable defaults.
var DefaultSweeperConfig = SweeperConfig{
	BatchSize:    10,
	PollInterval: 10 * time.Second,
}

// Sweeper periodically resubmits due patients.
type Sweeper struct {
	hospital *InMemory
	resubmit Resubmitter
	cfg      SweeperConfig
	logger   *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewSweeper creates a sweeper over h.
func NewSweeper(h *InMemory, resubmit Resubmitter, cfg SweeperConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweeperConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultSweeperConfig.PollInterval
	}
	return &Sweeper{
		hospital: h,
		resubmit: resubmit,
		cfg:      cfg,
		logger:   h.cfg.Logger,
	}
}

// Start begins sweeping in the background.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx, s.stopCh, s.doneCh)
}

// Stop halts sweeping and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	done := s.doneCh
	s.running = false
	s.mu.Unlock()
	<-done
}

func (s *Sweeper) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep resubmits one batch of due patients and returns how many were
// resubmitted successfully.
func (s *Sweeper) Sweep(ctx context.Context) int {
	patients, err := s.hospital.Dequeue(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Warn("hospital sweep failed", slog.String("error", err.Error()))
		return 0
	}

	ok := 0
	for _, p := range patients {
		if s.cfg.OnRetry != nil {
			s.cfg.OnRetry(p)
		}
		if p.Event == nil {
			_ = s.hospital.Park(ctx, p, "no event to resubmit")
			continue
		}
		if err := s.resubmit(ctx, p.Event); err != nil {
			if s.cfg.OnFailure != nil {
				s.cfg.OnFailure(p, err)
			}
			s.hospital.RecordRetryFailure(ctx, p, err)
			continue
		}
		if s.cfg.OnSuccess != nil {
			s.cfg.OnSuccess(p)
		}
		s.hospital.RecordRetrySuccess(ctx, p)
		ok++
	}
	return ok
}
