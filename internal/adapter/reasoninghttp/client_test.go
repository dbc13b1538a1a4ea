package reasoninghttp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/adapter/reasoninghttp"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/logger"
	"github.com/Strob0t/Conductor/internal/port/a2a"
	"github.com/Strob0t/Conductor/internal/port/reasoningsvc"
)

func newClient(t *testing.T, url string) *reasoninghttp.Client {
	t.Helper()
	c, err := reasoninghttp.New(routing.ServiceDescriptor{ID: "legal", Endpoint: url, Transport: reasoninghttp.Transport}, &http.Client{})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestInvoke_Success(t *testing.T) {
	var got a2a.TaskRequest
	var requestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/a2a/tasks" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		requestID = r.Header.Get("X-Request-ID")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(a2a.TaskResponse{
			ID:     got.ID,
			Status: a2a.StatusCompleted,
			Output: map[string]any{"risk": "low", "confidence": 0.8},
		})
	}))
	defer srv.Close()

	ctx := logger.WithRequestID(context.Background(), "req-1")
	resp, err := newClient(t, srv.URL).Invoke(ctx, &reasoningsvc.Request{
		TaskID: "t1", SubTaskID: "st1", Description: "review clause 4", Domain: "legal", Attempt: 2,
	}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Payload["risk"] != "low" {
		t.Fatalf("payload = %v", resp.Payload)
	}
	if _, ok := resp.Payload["confidence"]; ok {
		t.Fatal("confidence should be lifted out of the payload")
	}
	if resp.Confidence == nil || *resp.Confidence != 0.8 {
		t.Fatalf("confidence = %v", resp.Confidence)
	}
	if got.ID != "t1/st1" || got.Skill != "legal" || got.Input["text"] != "review clause 4" {
		t.Fatalf("unexpected wire request %+v", got)
	}
	if requestID != "req-1" {
		t.Fatalf("X-Request-ID = %q", requestID)
	}
}

func TestInvoke_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
		want    error
	}{
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout: 50 * time.Millisecond,
			want:    domain.ErrServiceTimeout,
		},
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "boom", http.StatusInternalServerError) },
			timeout: time.Second,
			want:    domain.ErrServiceFailure,
		},
		{
			name: "reported failure",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(a2a.TaskResponse{Status: a2a.StatusFailed, Error: "cannot parse contract"})
			},
			timeout: time.Second,
			want:    domain.ErrServiceFailure,
		},
		{
			name:    "garbage body",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("<html>")) },
			timeout: time.Second,
			want:    domain.ErrServiceFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newClient(t, srv.URL).Invoke(context.Background(), &reasoningsvc.Request{SubTaskID: "st1"}, tt.timeout)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestInvoke_ParentCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := newClient(t, srv.URL).Invoke(ctx, &reasoningsvc.Request{SubTaskID: "st1"}, 5*time.Second)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestNew_RequiresEndpoint(t *testing.T) {
	if _, err := reasoninghttp.New(routing.ServiceDescriptor{ID: "x"}, nil); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestTransportRegistered(t *testing.T) {
	if !slices.Contains(reasoningsvc.Available(), reasoninghttp.Transport) {
		t.Fatalf("http transport not registered: %v", reasoningsvc.Available())
	}
	c, err := reasoningsvc.New(routing.ServiceDescriptor{ID: "s", Transport: "http", Endpoint: "http://example.invalid"})
	if err != nil || c == nil {
		t.Fatalf("New via registry: %v", err)
	}
}
