package stages

import (
	"context"
	"strings"
	"time"

	"github.com/Mai-with-u/amaidesu/pkg/core/pipeline"
)

// WordFilter drops messages containing any blocked word. Pure filter: no
// shared state, so nothing to roll back; a blocked message is an implicit
// drop the caller cannot distinguish from "nothing matched".
type WordFilter struct {
	blocked []string
}

// NewWordFilter creates a word filter. Matching is case-insensitive.
func NewWordFilter(blocked []string) *WordFilter {
	lowered := make([]string, len(blocked))
	for i, w := range blocked {
		lowered[i] = strings.ToLower(w)
	}
	return &WordFilter{blocked: lowered}
}

// RegistrationInfo returns the static descriptor for this stage.
func (s *WordFilter) RegistrationInfo() Descriptor {
	return Descriptor{
		Name:        "word_filter",
		Kind:        "filter",
		Description: "drops messages containing blocked words",
		Defaults: pipeline.StageConfig{
			Priority: 30,
			Enabled:  true,
			Policy:   pipeline.PolicyContinue,
			Timeout:  time.Second,
		},
	}
}

// Name returns the stage name.
func (s *WordFilter) Name() string { return "word_filter" }

// Process drops the message if it contains a blocked word.
func (s *WordFilter) Process(_ context.Context, msg Message, _ *pipeline.Context[Message]) (Message, bool, error) {
	text := strings.ToLower(msg.Text)
	for _, w := range s.blocked {
		if strings.Contains(text, w) {
			var zero Message
			return zero, false, nil
		}
	}
	return msg, true, nil
}

// Normalize trims and collapses whitespace and truncates overlong text.
// Pure transformation of the item itself; the item is not shared state,
// so no undo action is needed.
type Normalize struct {
	maxLen int
}

// NewNormalize creates a normalize stage truncating text to maxLen runes.
// maxLen <= 0 disables truncation.
func NewNormalize(maxLen int) *Normalize {
	return &Normalize{maxLen: maxLen}
}

// RegistrationInfo returns the static descriptor for this stage.
func (s *Normalize) RegistrationInfo() Descriptor {
	return Descriptor{
		Name:        "normalize",
		Kind:        "transform",
		Description: "normalizes whitespace and bounds message length",
		Defaults: pipeline.StageConfig{
			Priority: 40,
			Enabled:  true,
			Policy:   pipeline.PolicyContinue,
			Timeout:  time.Second,
		},
	}
}

// Name returns the stage name.
func (s *Normalize) Name() string { return "normalize" }

// Process returns the normalized message. Empty text after normalization
// is an implicit drop.
func (s *Normalize) Process(_ context.Context, msg Message, _ *pipeline.Context[Message]) (Message, bool, error) {
	text := strings.Join(strings.Fields(msg.Text), " ")
	if s.maxLen > 0 {
		runes := []rune(text)
		if len(runes) > s.maxLen {
			text = string(runes[:s.maxLen])
		}
	}
	if text == "" {
		var zero Message
		return zero, false, nil
	}
	msg.Text = text
	return msg, true, nil
}
