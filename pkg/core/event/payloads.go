package event

import (
	"errors"
	"time"
)

// Core event names. The set is closed: adapters communicate exclusively
// through these names and their registered payload types.
const (
	MessageReceived  = "message.received"
	MessageSend      = "message.send"
	DecisionRequest  = "decision.request"
	DecisionResponse = "decision.response"
	AdapterConnected = "adapter.connected"
	AdapterLost      = "adapter.lost"
)

// MessagePayload carries one chat message across the bus, inbound or
// outbound.
type MessagePayload struct {
	MessageID string         `json:"message_id"`
	Channel   string         `json:"channel"`
	UserID    string         `json:"user_id,omitempty"`
	UserName  string         `json:"user_name,omitempty"`
	Text      string         `json:"text"`
	CreatedAt time.Time      `json:"created_at"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// DecisionPayload carries a decision-backend request or response.
type DecisionPayload struct {
	RequestID string         `json:"request_id"`
	Prompt    string         `json:"prompt,omitempty"`
	Reply     string         `json:"reply,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// AdapterPayload reports an adapter connecting or dropping.
type AdapterPayload struct {
	Adapter string `json:"adapter"`
	Detail  string `json:"detail,omitempty"`
}

// RegisterCoreSchemas binds the core event names to their payload types.
// Called from the composition root; nothing self-registers at init.
func RegisterCoreSchemas(r *SchemaRegistry) error {
	schemas := []*Schema{
		{
			Name:        MessageReceived,
			Source:      "input",
			Description: "inbound chat message from any input adapter",
			Payload:     MessagePayload{},
			Validator:   requireText,
			Tags:        []string{"message"},
		},
		{
			Name:        MessageSend,
			Source:      "output",
			Description: "outbound message ready for rendering",
			Payload:     MessagePayload{},
			Validator:   requireText,
			Tags:        []string{"message"},
		},
		{
			Name:        DecisionRequest,
			Source:      "coordinator",
			Description: "request for the decision backend",
			Payload:     DecisionPayload{},
			Tags:        []string{"decision"},
		},
		{
			Name:        DecisionResponse,
			Source:      "decision",
			Description: "reply produced by the decision backend",
			Payload:     DecisionPayload{},
			Tags:        []string{"decision"},
		},
		{
			Name:        AdapterConnected,
			Source:      "adapter",
			Description: "an input or output adapter came online",
			Payload:     AdapterPayload{},
			Tags:        []string{"lifecycle"},
		},
		{
			Name:        AdapterLost,
			Source:      "adapter",
			Description: "an input or output adapter dropped",
			Payload:     AdapterPayload{},
			Tags:        []string{"lifecycle"},
		},
	}

	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func requireText(evt Event) error {
	p, ok := evt.Data().(MessagePayload)
	if !ok {
		return errors.New("payload is not a MessagePayload")
	}
	if p.Text == "" {
		return errors.New("message text is empty")
	}
	return nil
}
