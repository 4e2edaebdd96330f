// Package notification extracts a canonical event.OpenStackEvent from
// a heterogeneous oslo.messaging notification JSON payload. Field
// extraction uses ordered, resource-type-specific field lists kept as
// data tables rather than branching control flow, so a new resource
// shape is a table addition.
package notification

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nugget/oslobridge/internal/event"
	"github.com/nugget/oslobridge/internal/resourcetype"
)

// SkipReason explains why a notification produced no event.
type SkipReason int

const (
	// NoSkip indicates the notification parsed successfully.
	NoSkip SkipReason = iota
	// ErrMissingEventType: the notification had no top-level event_type.
	ErrMissingEventType
	// ErrMalformedNotification: the notification bytes were not a JSON object.
	ErrMalformedNotification
	// ErrExtractionPanic: an unexpected condition during field extraction;
	// parsing never propagates a panic, this records that one was
	// recovered from.
	ErrExtractionPanic
)

func (r SkipReason) String() string {
	switch r {
	case NoSkip:
		return "none"
	case ErrMissingEventType:
		return "missing_event_type"
	case ErrMalformedNotification:
		return "malformed_notification"
	case ErrExtractionPanic:
		return "extraction_panic"
	default:
		return "unknown"
	}
}

// oslo's fixed timestamp layout: space-separated, microsecond
// precision, no zone (treated as UTC).
const osloTimestampLayout = "2006-01-02 15:04:05.000000"

// terminal phase markers recognised when decomposing event_type.
var phaseMarkers = map[string]bool{"start": true, "end": true, "error": true}

// resourceIDFields lists, per resource type, the payload field names
// tried in order for resource id extraction (spec §4.3). The default
// list applies to any resource type not named here.
var resourceIDFields = map[resourcetype.Type][]string{
	resourcetype.Server:       {"instance_id", "uuid", "id"},
	resourcetype.Volume:       {"volume_id", "id"},
	resourcetype.Snapshot:     {"snapshot_id", "id"},
	resourcetype.Backup:       {"backup_id", "id"},
	resourcetype.Image:        {"id", "image_id"},
	resourcetype.Network:      {"network_id", "id"},
	resourcetype.Subnet:       {"subnet_id", "id"},
	resourcetype.Port:         {"port_id", "id"},
	resourcetype.Router:       {"router_id", "id"},
	resourcetype.FloatingIP:   {"floatingip_id", "id"},
	resourcetype.LoadBalancer: {"loadbalancer_id", "id"},
	resourcetype.Stack:        {"stack_identity", "id"},
}

var defaultResourceIDFields = []string{"id", "resource_id", "uuid"}

// statusFields lists, per resource type, the payload field names tried
// in order for status extraction (spec §4.3).
var statusFields = map[resourcetype.Type][]string{
	resourcetype.Server:       {"state", "status", "vm_state"},
	resourcetype.Volume:       {"status"},
	resourcetype.Snapshot:     {"status"},
	resourcetype.Backup:       {"status"},
	resourcetype.Image:        {"status"},
	resourcetype.Stack:        {"state", "stack_status"},
	resourcetype.LoadBalancer: {"operating_status", "provisioning_status", "status"},
}

var defaultStatusFields = []string{"status", "state"}

var oldStatusFields = []string{"old_state", "old_status", "previous_state"}

// terminalStatuses is a fixed table keyed by resource type, membership
// tested against the lower-cased status.
var terminalStatuses = map[resourcetype.Type]map[string]bool{
	resourcetype.Server: set("active", "error", "deleted", "shutoff", "shelved_offloaded", "suspended", "paused", "stopped"),
	resourcetype.Volume: set("available", "in-use", "error", "deleted", "error_deleting", "error_restoring"),
	resourcetype.Snapshot: set("available", "in-use", "error", "deleted", "error_deleting", "error_restoring"),
	resourcetype.Backup: set("available", "in-use", "error", "deleted", "error_deleting", "error_restoring"),
	resourcetype.Image: set("active", "killed", "deleted", "deactivated"),
	resourcetype.Stack: set("create_complete", "create_failed", "update_complete", "update_failed",
		"delete_complete", "delete_failed", "rollback_complete", "rollback_failed"),
}

var defaultTerminalStatuses = set("active", "error", "deleted", "available", "down")

func set(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// Parse extracts a canonical event from a notification JSON document.
// It returns (event, NoSkip, nil) on success, or (zero, reason, nil)
// when the notification should be dropped without error. A panic
// during field extraction is recovered and reported as
// (zero, ErrExtractionPanic, nil); the returned error is always nil,
// so callers decide on the reason alone (drop and log) per spec §4.3/§7.
func Parse(clusterID, service string, notification json.RawMessage) (ev event.OpenStackEvent, reason SkipReason, err error) {
	defer func() {
		if r := recover(); r != nil {
			reason = ErrExtractionPanic
			ev = event.OpenStackEvent{}
		}
	}()

	var doc map[string]json.RawMessage
	if jsonErr := json.Unmarshal(notification, &doc); jsonErr != nil {
		return event.OpenStackEvent{}, ErrMalformedNotification, nil
	}

	eventType, ok := stringField(doc, "event_type")
	if !ok || eventType == "" {
		return event.OpenStackEvent{}, ErrMissingEventType, nil
	}

	rt := resourcetype.FromEventType(eventType)

	var payload map[string]json.RawMessage
	payloadRaw, hasPayload := doc["payload"]
	if hasPayload {
		_ = json.Unmarshal(payloadRaw, &payload) // best-effort; non-object payload yields nil map
	}

	b := event.NewBuilder(clusterID, service, eventType).ResourceType(rt)

	if priority, ok := stringField(doc, "priority"); ok {
		b.Priority(priority)
	}
	if publisher, ok := stringField(doc, "publisher_id"); ok {
		b.PublisherID(publisher)
	}
	if msgID, ok := stringField(doc, "message_id"); ok {
		b.MessageID(msgID)
	}

	b.Timestamp(extractTimestamp(doc))

	if hasPayload {
		b.Payload(payloadRaw)
	}

	if id, ok := extractResourceID(rt, payload); ok {
		b.ResourceID(id)
	}

	status, hasStatus := extractStatus(rt, payload)
	if hasStatus {
		b.Status(status)
	}
	if old, ok := extractOldStatus(payload); ok {
		b.OldStatus(old)
	}

	b.Terminal(hasStatus && isTerminal(rt, status))

	action, phase := decomposeEventType(eventType, rt.Prefix())
	if action != "" {
		b.Action(action)
	}
	if phase != "" {
		b.Phase(phase)
	}

	return b.Build(), NoSkip, nil
}

func stringField(doc map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := doc[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func extractTimestamp(doc map[string]json.RawMessage) time.Time {
	ts, ok := stringField(doc, "timestamp")
	if !ok || ts == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(osloTimestampLayout, ts)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

// novaObjectData finds payload.nova_object.data if present, returning
// its fields as a map for the nested-lookup steps used by both
// resource id and status extraction.
func novaObjectData(payload map[string]json.RawMessage) map[string]json.RawMessage {
	if payload == nil {
		return nil
	}
	novaRaw, ok := payload["nova_object.data"]
	if !ok {
		return nil
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(novaRaw, &data); err != nil {
		return nil
	}
	return data
}

func extractResourceID(rt resourcetype.Type, payload map[string]json.RawMessage) (string, bool) {
	if payload == nil {
		return "", false
	}

	if data := novaObjectData(payload); data != nil {
		if id, ok := stringField(data, "uuid"); ok && id != "" {
			return id, true
		}
	}

	fields, ok := resourceIDFields[rt]
	if !ok {
		fields = defaultResourceIDFields
	}
	for _, f := range fields {
		if id, ok := stringField(payload, f); ok && id != "" {
			return id, true
		}
	}

	if infoRaw, ok := payload["resource_info"]; ok {
		var info map[string]json.RawMessage
		if err := json.Unmarshal(infoRaw, &info); err == nil {
			if id, ok := stringField(info, "id"); ok && id != "" {
				return id, true
			}
		}
	}

	return "", false
}

func extractStatus(rt resourcetype.Type, payload map[string]json.RawMessage) (string, bool) {
	if payload == nil {
		return "", false
	}

	if data := novaObjectData(payload); data != nil {
		if s, ok := stringField(data, "state"); ok && s != "" {
			return strings.ToLower(s), true
		}
	}

	fields, ok := statusFields[rt]
	if !ok {
		fields = defaultStatusFields
	}
	for _, f := range fields {
		if s, ok := stringField(payload, f); ok && s != "" {
			return strings.ToLower(s), true
		}
	}

	return "", false
}

func extractOldStatus(payload map[string]json.RawMessage) (string, bool) {
	if payload == nil {
		return "", false
	}

	if data := novaObjectData(payload); data != nil {
		if s, ok := stringField(data, "old_state"); ok && s != "" {
			return strings.ToLower(s), true
		}
	}

	for _, f := range oldStatusFields {
		if s, ok := stringField(payload, f); ok && s != "" {
			return strings.ToLower(s), true
		}
	}

	return "", false
}

func isTerminal(rt resourcetype.Type, status string) bool {
	table, ok := terminalStatuses[rt]
	if !ok {
		table = defaultTerminalStatuses
	}
	return table[status]
}

// decomposeEventType strips the matched prefix (and leading '.') from
// eventType, then splits the remainder into action and phase per
// spec §4.3.
func decomposeEventType(eventType, prefix string) (action, phase string) {
	remainder := eventType
	if prefix != "" && strings.HasPrefix(eventType, prefix) {
		remainder = strings.TrimPrefix(eventType, prefix)
		remainder = strings.TrimPrefix(remainder, ".")
	}

	if remainder == "" {
		return "", ""
	}

	segments := strings.Split(remainder, ".")
	action = segments[0]
	if len(segments) >= 2 && phaseMarkers[segments[len(segments)-1]] {
		phase = segments[len(segments)-1]
	}
	return action, phase
}
