package event

import (
	"errors"
	"fmt"
)

// ErrBusClosed is returned by Publish once shutdown has begun.
var ErrBusClosed = errors.New("event bus is closed")

// ContractError indicates a publish call violated the payload contract
// bound to its event name. It fails fast at the publish call site and
// never enters dispatch.
type ContractError struct {
	EventName string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *ContractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event %s: %s: %v", e.EventName, e.Message, e.Err)
	}
	return fmt.Sprintf("event %s: %s", e.EventName, e.Message)
}

// Unwrap returns the underlying error.
func (e *ContractError) Unwrap() error { return e.Err }

// HandlerError attributes a subscriber callback failure to the subscriber
// identity and event that triggered it.
type HandlerError struct {
	EventID      string
	EventName    string
	SubscriberID string
	Err          error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on event %s (%s): %v",
		e.SubscriberID, e.EventName, e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error { return e.Err }
