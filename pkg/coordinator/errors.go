package coordinator

import (
	"errors"
	"fmt"

	"github.com/pario-ai/chatrelay/pkg/models"
)

// ErrValidation is wrapped by errors for requests without a question.
var ErrValidation = errors.New("question is required")

// Kind classifies a failed Ask.
type Kind int

const (
	// KindValidation means the request was rejected before any work.
	KindValidation Kind = iota + 1
	// KindPoolExhausted means no provider connection became available in
	// time. Callers may retry.
	KindPoolExhausted
	// KindProvider means the provider failed, after one retry for
	// transient errors.
	KindProvider
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindProvider:
		return "provider"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by Ask for every terminal failure. Metrics holds
// whatever was measured before the failure.
type Error struct {
	Kind    Kind
	Err     error
	Metrics models.PerformanceMetrics
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}
