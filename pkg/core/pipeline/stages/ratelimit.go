package stages

import (
	"context"
	"sync"
	"time"

	"github.com/Mai-with-u/amaidesu/pkg/core/pipeline"
)

// RateLimit drops messages once more than maxEvents have been accepted
// within the sliding window. The window of accepted timestamps is the
// limiter's state: the undo action removes the acceptance, so a rolled
// back traversal refunds its slot.
type RateLimit struct {
	maxEvents int
	window    time.Duration

	// accepted is shared across concurrent traversals and must be
	// guarded; the rollback ledger is item-scoped, this window is not.
	mu       sync.Mutex
	accepted []time.Time
}

// NewRateLimit creates a rate limit stage allowing maxEvents per window.
func NewRateLimit(maxEvents int, window time.Duration) *RateLimit {
	if maxEvents <= 0 {
		maxEvents = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimit{maxEvents: maxEvents, window: window}
}

// RegistrationInfo returns the static descriptor for this stage.
func (s *RateLimit) RegistrationInfo() Descriptor {
	return Descriptor{
		Name:        "rate_limit",
		Kind:        "filter",
		Description: "drops messages above a sliding-window rate",
		Defaults: pipeline.StageConfig{
			Priority: 10,
			Enabled:  true,
			Policy:   pipeline.PolicyContinue,
			Timeout:  time.Second,
		},
	}
}

// Name returns the stage name.
func (s *RateLimit) Name() string { return "rate_limit" }

// Process accepts or drops the message. On accept it records the
// acceptance timestamp and registers an undo that removes it.
func (s *RateLimit) Process(_ context.Context, msg Message, pctx *pipeline.Context[Message]) (Message, bool, error) {
	now := time.Now()

	s.mu.Lock()
	s.prune(now)
	if len(s.accepted) >= s.maxEvents {
		s.mu.Unlock()
		var zero Message
		return zero, false, nil
	}
	s.accepted = append(s.accepted, now)
	s.mu.Unlock()

	pctx.OnRollback("remove_accept_timestamp", func(_ context.Context) error {
		s.remove(now)
		return nil
	})

	return msg, true, nil
}

// AcceptedInWindow returns how many acceptances are currently recorded.
func (s *RateLimit) AcceptedInWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(time.Now())
	return len(s.accepted)
}

// prune drops acceptances older than the window. Caller holds the lock.
func (s *RateLimit) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	kept := s.accepted[:0]
	for _, ts := range s.accepted {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.accepted = kept
}

// remove deletes one recorded acceptance.
func (s *RateLimit) remove(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.accepted {
		if t.Equal(ts) {
			s.accepted = append(s.accepted[:i], s.accepted[i+1:]...)
			return
		}
	}
}
