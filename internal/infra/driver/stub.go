package driver

import (
	"context"
	"fmt"
)

// Stub is the no-driver fallback for development: it acknowledges the
// operation without touching any external session. Never returns the
// secret it was given.
type Stub struct{}

func NewStub() *Stub {
	return &Stub{}
}

func (s *Stub) Execute(_ context.Context, service, action string, params map[string]any, _ []byte) (map[string]any, error) {
	return map[string]any{
		"status":  "stubbed",
		"message": fmt.Sprintf("%s.%s acknowledged without execution", service, action),
		"params":  len(params),
	}, nil
}
