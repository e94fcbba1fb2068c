package auditlog

import (
	"net"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	base := Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        "owner-1",
		Action:       "job.submit",
		ResourceType: "job",
		ResourceID:   "job-1",
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing occurred_at", func(e *Event) { e.OccurredAt = time.Time{} }},
		{"missing actor", func(e *Event) { e.Actor = "  " }},
		{"missing action", func(e *Event) { e.Action = "" }},
		{"missing resource type", func(e *Event) { e.ResourceType = "" }},
		{"missing resource id", func(e *Event) { e.ResourceID = "" }},
	}
	for _, tc := range cases {
		event := base
		tc.mutate(&event)
		if err := event.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestComputeIntegritySHA256Deterministic(t *testing.T) {
	event := Event{
		OccurredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:        "owner-1",
		Action:       "job.cancel",
		ResourceType: "job",
		ResourceID:   "job-7",
		RequestID:    "rid-1",
		IP:           net.ParseIP("10.0.0.9"),
		UserAgent:    "crud-tier/1.0",
	}
	payload := []byte(`{"note":"advisory"}`)

	first, err := ComputeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	second, err := ComputeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if first != second {
		t.Fatalf("hash not deterministic: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("hash length=%d, want 64 hex chars", len(first))
	}

	event.Action = "job.submit"
	changed, err := ComputeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if changed == first {
		t.Fatal("different events must hash differently")
	}
}
