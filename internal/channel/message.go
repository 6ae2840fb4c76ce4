package channel

import (
	"context"
	"fmt"

	"github.com/amoylab/keyrelay/internal/common/cnst"
)

// Message is one call from the page side
type Message struct {
	ID   string    `json:"id"`
	Kind cnst.Kind `json:"kind"`
	Body string    `json:"body"`
}

// Reply answers the Message with the same ID
type Reply struct {
	ID    string `json:"id"`
	Body  string `json:"body,omitempty"`
	Error string `json:"error,omitempty"`
}

// Sender describes the page a message came from
type Sender struct {
	// Origin is the url of the page, used to scope manifests
	Origin string
}

// Handler is the single privileged listener
type Handler interface {
	Handle(ctx context.Context, msg *Message, from Sender) (string, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg *Message, from Sender) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *Message, from Sender) (string, error) {
	return f(ctx, msg, from)
}

// RemoteError is a handler failure reported back to the caller
type RemoteError struct {
	Kind    cnst.Kind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Kind, e.Message)
}
