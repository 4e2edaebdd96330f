// Package resourcetype defines the closed enumeration of OpenStack
// resource kinds this module recognises, and the longest-prefix match
// used to derive a kind from an oslo.messaging event_type string.
package resourcetype

import "strings"

// Type identifies the kind of OpenStack resource a notification
// describes.
type Type int

const (
	Unknown Type = iota
	Server
	Keypair
	Volume
	Snapshot
	Backup
	Image
	Network
	Subnet
	Port
	Router
	FloatingIP
	SecurityGroup
	LoadBalancer
	Listener
	Pool
	Project
	User
	Role
	Stack
	DNSZone
	DNSRecordSet
)

// String returns the lower_snake_case name of the resource kind, for
// logs and error messages.
func (t Type) String() string {
	if s, ok := names[t]; ok {
		return s
	}
	return "unknown"
}

var names = map[Type]string{
	Unknown:       "unknown",
	Server:        "server",
	Keypair:       "keypair",
	Volume:        "volume",
	Snapshot:      "snapshot",
	Backup:        "backup",
	Image:         "image",
	Network:       "network",
	Subnet:        "subnet",
	Port:          "port",
	Router:        "router",
	FloatingIP:    "floatingip",
	SecurityGroup: "security_group",
	LoadBalancer:  "loadbalancer",
	Listener:      "listener",
	Pool:          "pool",
	Project:       "project",
	User:          "user",
	Role:          "role",
	Stack:         "stack",
	DNSZone:       "dns_zone",
	DNSRecordSet:  "dns_recordset",
}

// prefixEntry pairs a resource kind with the event_type prefix oslo
// notifications use for it. Kept as a data table, not control flow, so
// a new resource kind is a table addition rather than a new branch.
type prefixEntry struct {
	prefix string
	kind   Type
}

// prefixes is ordered longest-prefix-first within entries that share a
// common stem (e.g. network vs network's subresources do not collide
// here, but the ordering convention is kept for future additions).
var prefixes = []prefixEntry{
	{"compute.instance", Server},
	{"compute.keypair", Keypair},
	{"volume.snapshot", Snapshot},
	{"volume.backup", Backup},
	{"volume", Volume},
	{"image", Image},
	{"network.floatingip", FloatingIP},
	{"network", Network},
	{"subnet", Subnet},
	{"port", Port},
	{"router", Router},
	{"security_group", SecurityGroup},
	{"loadbalancer", LoadBalancer},
	{"listener", Listener},
	{"pool", Pool},
	{"identity.project", Project},
	{"identity.user", User},
	{"identity.role", Role},
	{"orchestration.stack", Stack},
	{"dns.zone", DNSZone},
	{"dns.recordset", DNSRecordSet},
}

// Prefix returns the event_type prefix this resource kind is matched
// on, or "" for Unknown (which is never a match candidate).
func (t Type) Prefix() string {
	for _, e := range prefixes {
		if e.kind == t {
			return e.prefix
		}
	}
	return ""
}

// FromEventType returns the resource kind whose prefix is the longest
// prefix of eventType, or Unknown if no prefix matches. Matching is
// byte-wise and case-sensitive: oslo event types are always lower-case.
func FromEventType(eventType string) Type {
	best := Unknown
	bestLen := -1
	for _, e := range prefixes {
		if len(e.prefix) > bestLen && strings.HasPrefix(eventType, e.prefix) {
			best = e.kind
			bestLen = len(e.prefix)
		}
	}
	return best
}
