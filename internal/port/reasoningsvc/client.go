// Package reasoningsvc defines the port for remote domain reasoning services
// that execute one subtask each.
package reasoningsvc

import (
	"context"
	"time"
)

// Request is one subtask invocation.
type Request struct {
	TaskID       string         `json:"task_id"`
	SubTaskID    string         `json:"subtask_id"`
	Description  string         `json:"description"`
	Domain       string         `json:"domain"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Attempt      int            `json:"attempt"`
	Context      map[string]any `json:"context,omitempty"`
	// Upstream holds the payloads of completed dependencies keyed by subtask id.
	Upstream map[string]map[string]any `json:"upstream,omitempty"`
}

// Response is what a service returned for a subtask.
type Response struct {
	Payload    map[string]any `json:"payload"`
	Confidence *float64       `json:"confidence,omitempty"`
}

// Client invokes one remote reasoning service. Implementations must honour the
// timeout and return an error wrapping domain.ErrServiceTimeout when it expires,
// or domain.ErrServiceFailure for transport errors and service-reported failures.
type Client interface {
	Invoke(ctx context.Context, req *Request, timeout time.Duration) (*Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req *Request, timeout time.Duration) (*Response, error)

// Invoke calls f.
func (f ClientFunc) Invoke(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	return f(ctx, req, timeout)
}
