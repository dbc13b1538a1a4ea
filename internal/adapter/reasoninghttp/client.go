// Package reasoninghttp implements the "http" reasoning-service transport:
// one A2A task request per subtask attempt, POSTed to <endpoint>/a2a/tasks.
package reasoninghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/logger"
	"github.com/Strob0t/Conductor/internal/port/a2a"
	"github.com/Strob0t/Conductor/internal/port/reasoningsvc"
)

// Transport is the registry name of this adapter.
const Transport = "http"

const maxResponseBytes = 4 << 20

func init() {
	reasoningsvc.Register(Transport, func(svc routing.ServiceDescriptor) (reasoningsvc.Client, error) {
		return New(svc, nil)
	})
}

// Client invokes one HTTP reasoning service.
type Client struct {
	svc        routing.ServiceDescriptor
	url        string
	httpClient *http.Client
}

// New creates a client for svc. A nil httpClient gets an OTel-instrumented one.
func New(svc routing.ServiceDescriptor, httpClient *http.Client) (*Client, error) {
	if svc.Endpoint == "" {
		return nil, fmt.Errorf("service %s: endpoint is required for http transport", svc.ID)
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		svc:        svc,
		url:        strings.TrimRight(svc.Endpoint, "/") + "/a2a/tasks",
		httpClient: httpClient,
	}, nil
}

// Invoke implements reasoningsvc.Client. The per-call timeout is applied on
// top of ctx; expiring it yields ErrServiceTimeout, while cancellation of ctx
// itself is reported as ErrCancelled.
func (c *Client) Invoke(ctx context.Context, req *reasoningsvc.Request, timeout time.Duration) (*reasoningsvc.Response, error) {
	if c.svc.Timeout > 0 && (timeout <= 0 || c.svc.Timeout < timeout) {
		timeout = c.svc.Timeout
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(toTaskRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if rid := logger.RequestID(ctx); rid != "" {
		httpReq.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.classify(ctx, callCtx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.classify(ctx, callCtx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("service %s returned %d: %s: %w", c.svc.ID, resp.StatusCode, truncate(raw), domain.ErrServiceFailure)
	}

	var out a2a.TaskResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("service %s: decode response: %v: %w", c.svc.ID, err, domain.ErrServiceFailure)
	}
	if out.Status != a2a.StatusCompleted {
		msg := out.Error
		if msg == "" {
			msg = "status " + out.Status
		}
		return nil, fmt.Errorf("service %s: %s: %w", c.svc.ID, msg, domain.ErrServiceFailure)
	}
	return fromOutput(out.Output), nil
}

func (c *Client) classify(parent, call context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("service %s: %w", c.svc.ID, domain.ErrCancelled)
	case errors.Is(call.Err(), context.DeadlineExceeded):
		return fmt.Errorf("service %s: %w", c.svc.ID, domain.ErrServiceTimeout)
	}
	return fmt.Errorf("service %s: %v: %w", c.svc.ID, err, domain.ErrServiceFailure)
}

func toTaskRequest(req *reasoningsvc.Request) a2a.TaskRequest {
	input := map[string]any{
		"text":    req.Description,
		"attempt": req.Attempt,
	}
	if len(req.Capabilities) > 0 {
		input["capabilities"] = req.Capabilities
	}
	if len(req.Upstream) > 0 {
		input["upstream"] = req.Upstream
	}
	return a2a.TaskRequest{
		ID:      req.TaskID + "/" + req.SubTaskID,
		Skill:   req.Domain,
		Input:   input,
		Context: req.Context,
	}
}

// fromOutput lifts a numeric "confidence" field out of the payload.
func fromOutput(output map[string]any) *reasoningsvc.Response {
	payload := make(map[string]any, len(output))
	var conf *float64
	for k, v := range output {
		if k == "confidence" {
			if f, ok := v.(float64); ok {
				conf = &f
				continue
			}
		}
		payload[k] = v
	}
	return &reasoningsvc.Response{Payload: payload, Confidence: conf}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
