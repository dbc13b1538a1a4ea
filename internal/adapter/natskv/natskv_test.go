package natskv_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Conductor/internal/adapter/nats"
	"github.com/Strob0t/Conductor/internal/adapter/natskv"
	"github.com/Strob0t/Conductor/internal/port/cache/cachetest"
	"github.com/Strob0t/Conductor/internal/port/taskstore/storetest"
)

func connect(t *testing.T) *nats.Queue {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	q, err := nats.Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func bucketName(t *testing.T) string {
	return "test-" + strings.ReplaceAll(t.Name(), "/", "-") + "-" + uuid.New().String()[:8]
}

func TestCacheCompliance(t *testing.T) {
	q := connect(t)
	kv, err := q.KeyValue(context.Background(), bucketName(t), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	cachetest.RunComplianceTests(t, natskv.New(kv))
}

func TestTaskStoreCompliance(t *testing.T) {
	q := connect(t)
	kv, err := q.KeyValue(context.Background(), bucketName(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	storetest.RunComplianceTests(t, natskv.NewTaskStore(kv), "kv-")
}
