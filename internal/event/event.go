// Package event defines the canonical, immutable OpenStackEvent value
// produced by the notification parser and delivered to listeners.
package event

import (
	"encoding/json"
	"time"

	"github.com/nugget/oslobridge/internal/resourcetype"
)

// OpenStackEvent is the normalised, immutable representation of a
// single oslo.messaging notification. Once built it is never mutated;
// callers that need a modified copy construct a new one via Builder.
type OpenStackEvent struct {
	ClusterID    string
	Service      string
	ResourceType resourcetype.Type
	ResourceID   string // empty if not present in the notification
	EventType    string
	Action       string // empty if not decomposed from EventType
	Phase        string // empty if not one of start/end/error
	Priority     string
	PublisherID  string
	MessageID    string
	Timestamp    time.Time
	Status       string // lower-cased; empty if absent
	OldStatus    string // lower-cased; empty if absent
	Terminal     bool
	Payload      json.RawMessage // preserved raw JSON payload subtree, may be nil
}

// HasResourceID reports whether a resource id was extracted.
func (e OpenStackEvent) HasResourceID() bool { return e.ResourceID != "" }

// HasStatus reports whether a status was extracted.
func (e OpenStackEvent) HasStatus() bool { return e.Status != "" }

// Builder assembles an OpenStackEvent field by field. It exists purely
// as an ergonomic convenience over a struct literal — the invariants
// that matter are enforced in Build, not in any individual setter.
type Builder struct {
	e OpenStackEvent
}

// NewBuilder starts a Builder for the required fields clusterID and
// eventType (spec invariant: both are required on the final event).
func NewBuilder(clusterID, service, eventType string) *Builder {
	return &Builder{e: OpenStackEvent{
		ClusterID: clusterID,
		Service:   service,
		EventType: eventType,
	}}
}

func (b *Builder) ResourceType(rt resourcetype.Type) *Builder { b.e.ResourceType = rt; return b }
func (b *Builder) ResourceID(id string) *Builder              { b.e.ResourceID = id; return b }
func (b *Builder) Action(action string) *Builder              { b.e.Action = action; return b }
func (b *Builder) Phase(phase string) *Builder                { b.e.Phase = phase; return b }
func (b *Builder) Priority(p string) *Builder                 { b.e.Priority = p; return b }
func (b *Builder) PublisherID(id string) *Builder             { b.e.PublisherID = id; return b }
func (b *Builder) MessageID(id string) *Builder               { b.e.MessageID = id; return b }
func (b *Builder) Timestamp(t time.Time) *Builder             { b.e.Timestamp = t; return b }
func (b *Builder) Status(s string) *Builder                   { b.e.Status = s; return b }
func (b *Builder) OldStatus(s string) *Builder                { b.e.OldStatus = s; return b }
func (b *Builder) Terminal(t bool) *Builder                   { b.e.Terminal = t; return b }
func (b *Builder) Payload(p json.RawMessage) *Builder         { b.e.Payload = p; return b }

// Build applies the remaining invariants (resource type derivation,
// timestamp default) and returns the finished, immutable event.
func (b *Builder) Build() OpenStackEvent {
	e := b.e
	if e.ResourceType == resourcetype.Unknown && e.EventType != "" {
		e.ResourceType = resourcetype.FromEventType(e.EventType)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}
