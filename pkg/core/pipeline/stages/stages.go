// Package stages provides the built-in pipeline stages for outbound
// message processing: rate limiting, throttling, deduplication, word
// filtering, and text normalization.
//
// Nothing here self-registers. The composition root enumerates the
// built-ins by reference (see the compose package); each stage exposes a
// RegistrationInfo descriptor declaring its defaults.
package stages

import (
	"github.com/Mai-with-u/amaidesu/pkg/core/event"
	"github.com/Mai-with-u/amaidesu/pkg/core/pipeline"
)

// Message is the item type the built-in stages operate on.
type Message = event.MessagePayload

// Descriptor is the static registration info for one built-in stage.
type Descriptor struct {
	Name        string
	Kind        string
	Description string
	Defaults    pipeline.StageConfig
}
