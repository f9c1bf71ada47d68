package agent

import (
	"context"
)

// Backend generates a reply for one conversational turn.
// Implementations return *BackendError for classified failures.
type Backend interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Sender delivers text to a chat through the transport.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Ensure OpenAIBackend implements Backend.
var _ Backend = (*OpenAIBackend)(nil)
