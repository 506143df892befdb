package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category classifies errors by how callers should react to them.
type Category string

// Error categories.
const (
	// CategoryTransient errors may succeed on retry (busy database, timeout).
	CategoryTransient Category = "transient"

	// CategoryPermanent errors will not succeed on retry (contract violation,
	// cancelled context, malformed input).
	CategoryPermanent Category = "permanent"
)

// CategorizedError wraps an error with its category and retry history.
type CategorizedError struct {
	Err      error
	Category Category
	Context  string
	Retries  int
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s (%s): %v", e.Context, e.Category, e.Err)
	}
	return fmt.Sprintf("(%s): %v", e.Category, e.Err)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Categorize determines the category of an arbitrary error.
//
// Context cancellation is permanent: the caller gave up, retrying is
// pointless. Deadline expiry and lock contention are transient.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var cat *CategorizedError
	if errors.As(err, &cat) {
		return cat.Category
	}

	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return CategoryTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return CategoryTransient
		}
	}

	return CategoryPermanent
}

// transientMarkers are substrings that indicate a retryable condition.
// "database is locked" and "busy" cover SQLite lock contention.
var transientMarkers = []string{
	"database is locked",
	"busy",
	"temporarily unavailable",
	"connection reset",
	"timeout",
}
