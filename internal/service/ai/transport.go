package ai

import (
	"context"
	"io"

	"github.com/math12studio/assistant/internal/service/engine"
)

// LocalTransport lets an engine talk to the Service in process.
type LocalTransport struct {
	svc *Service
}

// NewLocalTransport wraps svc.
func NewLocalTransport(svc *Service) *LocalTransport {
	return &LocalTransport{svc: svc}
}

// Stream implements engine.Transport.
func (t *LocalTransport) Stream(ctx context.Context, req engine.Request) (io.ReadCloser, error) {
	return t.svc.OpenTextStream(ctx, req.History, req.Prompt)
}

// Complete implements engine.Transport.
func (t *LocalTransport) Complete(ctx context.Context, req engine.Request) (string, error) {
	return t.svc.GenerateResponse(ctx, req.History, req.Prompt)
}
