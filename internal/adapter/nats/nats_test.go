package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/Conductor/internal/logger"
	"github.com/Strob0t/Conductor/internal/port/messagequeue"
)

const waitFor = 10 * time.Second

// connect dials NATS_URL on a per-test stream, or skips.
func connect(t *testing.T) *Queue {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	q, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// testSubject is unique per run and captured by the conductor.> stream.
func testSubject(t *testing.T) string {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return "conductor.test." + name + "." + uuid.NewString()[:8]
}

type delivery struct {
	requestID string
	data      []byte
}

func collect(t *testing.T, q *Queue, subject string) <-chan delivery {
	t.Helper()
	ch := make(chan delivery, 16)
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, data []byte) error {
		ch <- delivery{requestID: logger.RequestID(ctx), data: data}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(stop)
	return ch
}

func receive(t *testing.T, ch <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for message")
		return delivery{}
	}
}

// rawDLQ consumes "<subject>.dlq" without re-running validation.
func rawDLQ(t *testing.T, q *Queue, subject string) <-chan jetstream.Msg {
	t.Helper()
	ctx := context.Background()
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: subject + dlqSuffix,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}
	ch := make(chan jetstream.Msg, 4)
	sub, err := consumer.Consume(func(msg jetstream.Msg) {
		_ = msg.Ack()
		ch <- msg
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	t.Cleanup(sub.Stop)
	return ch
}

func TestQueue_StageEventCarriesRequestID(t *testing.T) {
	q := connect(t)
	subject := testSubject(t)
	got := collect(t, q, subject)

	payload, _ := json.Marshal(messagequeue.StagePayload{TaskID: "t-1", Stage: "routing", Status: "executing", DurationMS: 12})
	ctx := logger.WithRequestID(context.Background(), "req-abc-123")
	if err := q.Publish(ctx, subject, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d := receive(t, got)
	if d.requestID != "req-abc-123" {
		t.Errorf("request ID = %q, want req-abc-123", d.requestID)
	}
	var stage messagequeue.StagePayload
	if err := json.Unmarshal(d.data, &stage); err != nil || stage.TaskID != "t-1" || stage.Status != "executing" {
		t.Errorf("unexpected payload %s (%v)", d.data, err)
	}
}

// Every instance subscribes to cancellation; each must see every request.
func TestQueue_CancelFansOutToEveryInstance(t *testing.T) {
	a, b := connect(t), connect(t)
	subject := testSubject(t)
	gotA, gotB := collect(t, a, subject), collect(t, b, subject)

	if err := a.Publish(context.Background(), subject, []byte(`{"task_id":"t-42"}`)); err != nil {
		t.Fatal(err)
	}
	for name, ch := range map[string]<-chan delivery{"a": gotA, "b": gotB} {
		if d := receive(t, ch); !strings.Contains(string(d.data), "t-42") {
			t.Errorf("instance %s got %s", name, d.data)
		}
	}
}

func TestQueue_InvalidPayloadMovesToDLQ(t *testing.T) {
	q := connect(t)
	subject := messagequeue.SubjectCancel
	dlq := rawDLQ(t, q, subject)
	collect(t, q, subject)

	if err := q.Publish(context.Background(), subject, []byte("not-json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msg := <-dlq:
		if string(msg.Data()) != "not-json" {
			t.Errorf("DLQ data = %q", msg.Data())
		}
		if msg.Headers().Get(headerDLQReason) == "" {
			t.Error("DLQ message must carry a reason header")
		}
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for DLQ message")
	}
}

func TestQueue_RetryExhaustionMovesToDLQ(t *testing.T) {
	q := connect(t)
	subject := testSubject(t)
	dlq := rawDLQ(t, q, subject)

	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		return errors.New("handler always fails")
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	msg := &nats.Msg{Subject: subject, Data: []byte(`{"task_id":"t-9"}`), Header: nats.Header{}}
	msg.Header.Set(headerRetryCount, "3")
	if _, err := q.js.PublishMsg(context.Background(), msg); err != nil {
		t.Fatalf("PublishMsg: %v", err)
	}

	select {
	case m := <-dlq:
		if string(m.Data()) != `{"task_id":"t-9"}` {
			t.Errorf("DLQ data = %q", m.Data())
		}
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for DLQ message after retry exhaustion")
	}
}

func TestQueue_KeyValueBucket(t *testing.T) {
	q := connect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "test-health-"+uuid.NewString()[:8], 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	if _, err := kv.Put(ctx, "legal-a", []byte(`{"status":"healthy"}`)); err != nil {
		t.Fatal(err)
	}
	entry, err := kv.Get(ctx, "legal-a")
	if err != nil || string(entry.Value()) != `{"status":"healthy"}` {
		t.Fatalf("Get = %v, %v", entry, err)
	}

	again, err := q.KeyValue(ctx, kv.Bucket(), 30*time.Second)
	if err != nil {
		t.Fatalf("reopening an existing bucket: %v", err)
	}
	if _, err := again.Get(ctx, "legal-a"); err != nil {
		t.Fatalf("reopened bucket lost data: %v", err)
	}
	if !q.IsConnected() {
		t.Error("IsConnected() = false")
	}
}
