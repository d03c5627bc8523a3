package engine

import (
	"context"
	"io"

	"github.com/math12studio/assistant/internal/model/chat"
	"github.com/math12studio/assistant/internal/service/quota"
)

// Request is one prompt together with the turns that preceded it.
type Request struct {
	Prompt  string
	History []chat.Message
}

// Transport reaches the answering service. Identity is attached by the
// implementation.
type Transport interface {
	// Stream starts an answer and returns its raw text as it is produced.
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
	// Complete returns the whole answer at once.
	Complete(ctx context.Context, req Request) (string, error)
}

// Quota is the allowance check in front of every send. *quota.Ledger
// implements it.
type Quota interface {
	TryConsume(ctx context.Context) (quota.Grant, error)
	Peek() quota.State
}
