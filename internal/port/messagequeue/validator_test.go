package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateKnownSubjects(t *testing.T) {
	tests := []struct {
		subject string
		data    string
	}{
		{SubjectStage, `{"task_id":"t1","stage":"routing","status":"routing","duration_ms":12,"error":""}`},
		{SubjectSubTask, `{"task_id":"t1","subtask_id":"st-1","service_id":"legal-a","status":"succeeded","attempts":2}`},
		{SubjectEscalated, `{"task_id":"t1","escalation_id":"e1","stage":"routing","score":0.4,"threshold":0.9}`},
		{SubjectCancel, `{"task_id":"t1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			if err := Validate(tt.subject, []byte(tt.data)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	if err := Validate("conductor.future.thing", []byte(`{"foo":"bar"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	err := Validate(SubjectStage, []byte(`{not valid json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected 'invalid JSON' in error, got: %v", err)
	}
}

func TestValidateInvalidSchema(t *testing.T) {
	err := Validate(SubjectCancel, []byte(`"just a string"`))
	if err == nil {
		t.Fatal("expected schema validation error")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("expected 'schema validation failed' in error, got: %v", err)
	}
}

func TestValidateWrongFieldType(t *testing.T) {
	if err := Validate(SubjectSubTask, []byte(`{"attempts":"three"}`)); err == nil {
		t.Fatal("expected schema validation error for string attempts")
	}
}
