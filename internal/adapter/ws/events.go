package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/Conductor/internal/domain/event"
)

// taskScoped is implemented by payloads that belong to one task.
type taskScoped interface {
	TaskKey() string
}

// BroadcastEvent marshals a typed event and broadcasts it. Stage events and
// other task-scoped payloads only reach clients watching that task or all tasks.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	msg := Message{Type: eventType, Payload: json.RawMessage(data)}
	switch p := payload.(type) {
	case *event.StageEvent:
		msg.TaskID = p.TaskID
	case event.StageEvent:
		msg.TaskID = p.TaskID
	case taskScoped:
		msg.TaskID = p.TaskKey()
	}
	h.Broadcast(ctx, msg)
}
