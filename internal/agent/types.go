package agent

import (
	"errors"
	"fmt"

	"github.com/ashureev/chatrelay/internal/domain"
)

// ErrLogic marks unexpected internal state. The affected message is skipped.
var ErrLogic = errors.New("unexpected agent state")

// Request is one backend call: the resolved system prompt, prior turns and
// the new user text.
type Request struct {
	SystemPrompt string
	Persona      string
	History      []domain.ContextEntry
	UserText     string
	// Sender is the canonical identifier of the user who wrote UserText.
	Sender string

	Model       string
	Temperature float64
	MaxTokens   int
}

// BackendErrorKind classifies backend failures.
type BackendErrorKind int

const (
	// BackendUnavailable covers transport errors and 5xx responses.
	BackendUnavailable BackendErrorKind = iota
	// BackendRateLimited is returned on HTTP 429 or local pacing failure.
	BackendRateLimited
	// BackendTimeout is returned when the request deadline passes.
	BackendTimeout
	// BackendMalformed is returned for empty or unusable responses.
	BackendMalformed
)

func (k BackendErrorKind) String() string {
	switch k {
	case BackendRateLimited:
		return "rate_limited"
	case BackendTimeout:
		return "timeout"
	case BackendMalformed:
		return "malformed"
	default:
		return "unavailable"
	}
}

// BackendError is a classified backend failure.
type BackendError struct {
	Kind BackendErrorKind
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return "backend " + e.Kind.String()
	}
	return fmt.Sprintf("backend %s: %v", e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// BackendKind returns the kind of a backend failure, or BackendUnavailable
// when err is not classified.
func BackendKind(err error) BackendErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return BackendUnavailable
}
