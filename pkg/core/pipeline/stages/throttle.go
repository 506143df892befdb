package stages

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mai-with-u/amaidesu/pkg/core/pipeline"
)

// Throttle paces outbound messages with a token bucket. Unlike RateLimit
// it never drops: it waits for a token, so a burst of messages is spread
// out instead of discarded. If the wait exceeds the stage's timeout budget
// the manager treats it as a stage failure.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a throttle stage emitting at most perSecond
// messages per second with the given burst.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// RegistrationInfo returns the static descriptor for this stage.
func (s *Throttle) RegistrationInfo() Descriptor {
	return Descriptor{
		Name:        "throttle",
		Kind:        "pacing",
		Description: "paces messages with a token bucket instead of dropping",
		Defaults: pipeline.StageConfig{
			Priority: 15,
			Enabled:  false,
			Policy:   pipeline.PolicyContinue,
			Timeout:  5 * time.Second,
		},
	}
}

// Name returns the stage name.
func (s *Throttle) Name() string { return "throttle" }

// Process waits for a token, then passes the message through unchanged.
// Pure pacing: no shared state is mutated, so nothing to roll back.
func (s *Throttle) Process(ctx context.Context, msg Message, _ *pipeline.Context[Message]) (Message, bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		var zero Message
		return zero, false, err
	}
	return msg, true, nil
}
