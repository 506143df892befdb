package stages

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Mai-with-u/amaidesu/pkg/core/pipeline"
)

// Dedup drops messages whose channel+text was already seen within the TTL.
// The seen-cache is the mutated shared state: the undo action removes the
// entry, so a rolled back traversal does not poison later duplicates.
type Dedup struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[uint64]time.Time
}

// NewDedup creates a dedup stage remembering messages for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Dedup{ttl: ttl, seen: make(map[uint64]time.Time)}
}

// RegistrationInfo returns the static descriptor for this stage.
func (s *Dedup) RegistrationInfo() Descriptor {
	return Descriptor{
		Name:        "dedup",
		Kind:        "filter",
		Description: "drops repeated messages within a TTL",
		Defaults: pipeline.StageConfig{
			Priority: 20,
			Enabled:  true,
			Policy:   pipeline.PolicyContinue,
			Timeout:  time.Second,
		},
	}
}

// Name returns the stage name.
func (s *Dedup) Name() string { return "dedup" }

// Process drops duplicates; on first sight it records the message and
// registers an undo that forgets it.
func (s *Dedup) Process(_ context.Context, msg Message, pctx *pipeline.Context[Message]) (Message, bool, error) {
	key := contentKey(msg)
	now := time.Now()

	s.mu.Lock()
	s.prune(now)
	if last, ok := s.seen[key]; ok && now.Sub(last) < s.ttl {
		s.mu.Unlock()
		var zero Message
		return zero, false, nil
	}
	s.seen[key] = now
	s.mu.Unlock()

	pctx.OnRollback("forget_seen_entry", func(_ context.Context) error {
		s.mu.Lock()
		delete(s.seen, key)
		s.mu.Unlock()
		return nil
	})

	return msg, true, nil
}

// Seen reports whether a message is currently in the cache.
func (s *Dedup) Seen(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.seen[contentKey(msg)]
	return ok && time.Since(last) < s.ttl
}

// prune evicts expired entries. Caller holds the lock.
func (s *Dedup) prune(now time.Time) {
	for key, last := range s.seen {
		if now.Sub(last) >= s.ttl {
			delete(s.seen, key)
		}
	}
}

func contentKey(msg Message) uint64 {
	h := fnv.New64a()
	h.Write([]byte(msg.Channel))
	h.Write([]byte{0})
	h.Write([]byte(msg.Text))
	return h.Sum64()
}
