package auditlog

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	event := Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "alice",
		Action:       "instance.cancel",
		ResourceType: "experiment_instance",
		ResourceID:   "inst-1",
		RequestID:    "req-123",
		IP:           net.ParseIP("10.0.0.7"),
		UserAgent:    "curl/8",
	}
	detail := []byte(`{"state":"cancelled"}`)

	a, err := ComputeIntegritySHA256("orchestrator", event, detail)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256("orchestrator", event, detail)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("digest not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("digest length=%d, want 64 hex chars", len(a))
	}

	event.ResourceID = "inst-2"
	c, err := ComputeIntegritySHA256("orchestrator", event, detail)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if c == a {
		t.Fatal("digest unchanged after mutating the event")
	}
}

func TestRecord_RejectsIncompleteEvents(t *testing.T) {
	recorder := NewRecorder(nil, "orchestrator")
	if _, err := recorder.Record(context.Background(), Event{Actor: "alice"}); err == nil {
		t.Fatal("Record() accepted event with nil db")
	}

	tests := []struct {
		name  string
		event Event
	}{
		{"missing actor", Event{Action: "x", ResourceType: "t", ResourceID: "r"}},
		{"missing action", Event{Actor: "a", ResourceType: "t", ResourceID: "r"}},
		{"missing resource type", Event{Actor: "a", Action: "x", ResourceID: "r"}},
		{"missing resource id", Event{Actor: "a", Action: "x", ResourceType: "t"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.event.OccurredAt = time.Now().UTC()
			if err := tc.event.validate(); err == nil {
				t.Fatal("validate() accepted incomplete event")
			}
		})
	}
}
