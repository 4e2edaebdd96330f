package notification

import (
	"encoding/json"
	"testing"

	"github.com/nugget/oslobridge/internal/resourcetype"
)

func TestParse_ComputeInstanceCreateStart(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{
		"event_type": "compute.instance.create.start",
		"priority": "info",
		"publisher_id": "nova-compute:host1",
		"message_id": "abc-123",
		"timestamp": "2024-01-15 10:30:00.123456",
		"payload": {"instance_id": "inst-1", "state": "building"}
	}`)

	ev, reason, err := Parse("cluster-a", "nova", raw)
	if err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}
	if reason != NoSkip {
		t.Fatalf("reason = %v, want NoSkip", reason)
	}
	if ev.ResourceType != resourcetype.Server {
		t.Errorf("ResourceType = %v, want Server", ev.ResourceType)
	}
	if ev.ResourceID != "inst-1" {
		t.Errorf("ResourceID = %q, want inst-1", ev.ResourceID)
	}
	if ev.Status != "building" {
		t.Errorf("Status = %q, want building", ev.Status)
	}
	if ev.Action != "create" || ev.Phase != "start" {
		t.Errorf("Action/Phase = %q/%q, want create/start", ev.Action, ev.Phase)
	}
	if ev.Terminal {
		t.Errorf("Terminal = true, want false for building")
	}
	if ev.Priority != "info" {
		t.Errorf("Priority = %q, want info", ev.Priority)
	}
}

func TestParse_TerminalStatus(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{
		"event_type": "compute.instance.create.end",
		"payload": {"instance_id": "inst-2", "state": "active"}
	}`)

	ev, reason, err := Parse("cluster-a", "nova", raw)
	if err != nil || reason != NoSkip {
		t.Fatalf("Parse failed: reason=%v err=%v", reason, err)
	}
	if !ev.Terminal {
		t.Errorf("Terminal = false, want true for active")
	}
}

func TestParse_NovaVersionedObjectShape(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{
		"event_type": "compute.instance.update",
		"payload": {
			"nova_object.name": "InstanceActionPayload",
			"nova_object.data": {"uuid": "nova-obj-uuid", "state": "active", "old_state": "building"}
		}
	}`)

	ev, reason, err := Parse("cluster-a", "nova", raw)
	if err != nil || reason != NoSkip {
		t.Fatalf("Parse failed: reason=%v err=%v", reason, err)
	}
	if ev.ResourceID != "nova-obj-uuid" {
		t.Errorf("ResourceID = %q, want nova-obj-uuid", ev.ResourceID)
	}
	if ev.Status != "active" {
		t.Errorf("Status = %q, want active", ev.Status)
	}
	if ev.OldStatus != "building" {
		t.Errorf("OldStatus = %q, want building", ev.OldStatus)
	}
}

func TestParse_MissingEventType(t *testing.T) {
	t.Parallel()
	ev, reason, err := Parse("cluster-a", "nova", json.RawMessage(`{"payload":{}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != ErrMissingEventType {
		t.Errorf("reason = %v, want ErrMissingEventType", reason)
	}
	if ev.EventType != "" {
		t.Errorf("expected zero-value event")
	}
}

func TestParse_MalformedNotification(t *testing.T) {
	t.Parallel()
	_, reason, err := Parse("cluster-a", "nova", json.RawMessage(`not json at all`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != ErrMalformedNotification {
		t.Errorf("reason = %v, want ErrMalformedNotification", reason)
	}
}

func TestParse_NoResourceIDNoStatusStillProducesEvent(t *testing.T) {
	t.Parallel()
	ev, reason, err := Parse("cluster-a", "nova", json.RawMessage(`{"event_type":"compute.instance.exists"}`))
	if err != nil || reason != NoSkip {
		t.Fatalf("Parse failed: reason=%v err=%v", reason, err)
	}
	if ev.HasResourceID() {
		t.Errorf("expected no resource id")
	}
	if ev.HasStatus() {
		t.Errorf("expected no status")
	}
}

func TestParse_ActionPhaseDecomposition(t *testing.T) {
	t.Parallel()
	cases := []struct {
		eventType  string
		wantAction string
		wantPhase  string
	}{
		{"compute.instance.create.start", "create", "start"},
		{"compute.instance.create.end", "create", "end"},
		{"compute.instance.exists", "exists", ""},
		{"compute.instance.resize.error", "resize", "error"},
		{"volume.create.start", "create", "start"},
	}
	for _, tc := range cases {
		ev, reason, err := Parse("c", "s", json.RawMessage(`{"event_type":"`+tc.eventType+`"}`))
		if err != nil || reason != NoSkip {
			t.Fatalf("Parse(%q) failed: reason=%v err=%v", tc.eventType, reason, err)
		}
		if ev.Action != tc.wantAction {
			t.Errorf("Parse(%q).Action = %q, want %q", tc.eventType, ev.Action, tc.wantAction)
		}
		if ev.Phase != tc.wantPhase {
			t.Errorf("Parse(%q).Phase = %q, want %q", tc.eventType, ev.Phase, tc.wantPhase)
		}
	}
}

func TestParse_OldStatusFromFlatPayload(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{
		"event_type": "compute.instance.update",
		"payload": {"instance_id": "i1", "state": "active", "old_state": "resized"}
	}`)
	ev, reason, err := Parse("c", "s", raw)
	if err != nil || reason != NoSkip {
		t.Fatalf("Parse failed: reason=%v err=%v", reason, err)
	}
	if ev.OldStatus != "resized" {
		t.Errorf("OldStatus = %q, want resized", ev.OldStatus)
	}
}

func TestParse_ResourceInfoFallback(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{
		"event_type": "network.create.end",
		"payload": {"resource_info": {"id": "net-xyz"}}
	}`)
	ev, reason, err := Parse("c", "s", raw)
	if err != nil || reason != NoSkip {
		t.Fatalf("Parse failed: reason=%v err=%v", reason, err)
	}
	if ev.ResourceID != "net-xyz" {
		t.Errorf("ResourceID = %q, want net-xyz", ev.ResourceID)
	}
}

func TestParse_StatusIsLowerCased(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{"event_type":"volume.update","payload":{"id":"v1","status":"AVAILABLE"}}`)
	ev, reason, err := Parse("c", "s", raw)
	if err != nil || reason != NoSkip {
		t.Fatalf("Parse failed: reason=%v err=%v", reason, err)
	}
	if ev.Status != "available" {
		t.Errorf("Status = %q, want lower-cased available", ev.Status)
	}
	if !ev.Terminal {
		t.Errorf("expected available to be terminal for volume")
	}
}
