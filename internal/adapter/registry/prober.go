package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/Conductor/internal/domain/routing"
)

// HTTPProber issues GET <endpoint><path> and classifies the answer.
// 2xx is healthy, or degraded when slower than DegradedAfter or when the body
// reports {"status":"degraded"}. 429 is degraded. Anything else is unhealthy.
type HTTPProber struct {
	Client        *http.Client
	Path          string
	Timeout       time.Duration
	DegradedAfter time.Duration
}

// NewHTTPProber creates a prober with the given path and timeout. Responses
// slower than half the timeout count as degraded.
func NewHTTPProber(path string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		Client:        &http.Client{},
		Path:          path,
		Timeout:       timeout,
		DegradedAfter: timeout / 2,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, svc *routing.ServiceDescriptor) routing.Health {
	start := time.Now()
	h := routing.Health{CheckedAt: start}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	url := strings.TrimRight(svc.Endpoint, "/") + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		h.Status, h.Error = routing.HealthUnhealthy, err.Error()
		return h
	}

	resp, err := p.Client.Do(req)
	h.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		h.Status, h.Error = routing.HealthUnhealthy, err.Error()
		return h
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		h.Status = routing.HealthDegraded
		h.Error = "rate limited"
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		h.Status = routing.HealthHealthy
		var body struct {
			Status string `json:"status"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) == nil && strings.EqualFold(body.Status, string(routing.HealthDegraded)) {
			h.Status = routing.HealthDegraded
		}
		if p.DegradedAfter > 0 && time.Duration(h.LatencyMS)*time.Millisecond > p.DegradedAfter {
			h.Status = routing.HealthDegraded
		}
	default:
		h.Status = routing.HealthUnhealthy
		h.Error = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	}
	return h
}
