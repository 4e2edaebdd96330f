// Package transport defines the pluggable broker adapter contract
// (spec §4.4) implemented by amqptransport and logbroker, and the
// shared Endpoint/DeliveryFunc types they both build on.
package transport

import "errors"

// Sentinel errors surfaced by Transport implementations. Concrete
// transports wrap these with fmt.Errorf("...: %w", Err...) so callers
// can use errors.Is regardless of which transport raised them.
var (
	// ErrAlreadyRunning names a second Start on an already-running
	// transport. The built-in transports do not return it: their Start
	// logs a warning and returns nil in that case.
	ErrAlreadyRunning = errors.New("transport: already running")
	// ErrUnknownService names a service that has no subscription. The
	// built-in transports do not return it: their Unsubscribe treats an
	// unknown service as a no-op.
	ErrUnknownService = errors.New("transport: unknown service")
	// ErrClientUnavailable is returned when a transport's underlying
	// broker client library was never wired in (see logbroker).
	ErrClientUnavailable = errors.New("transport: broker client library unavailable")
)

// Error wraps a failure to set up or tear down broker resources for a
// single service. It never aborts a multi-service Start/subscribe
// call; callers log it and continue with the remaining services.
type Error struct {
	Service string
	Op      string // e.g. "connect", "declare-exchange", "subscribe"
	Err     error
}

func (e *Error) Error() string {
	return "transport: " + e.Op + " for service " + e.Service + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// DeliveryFunc is invoked by a transport for every message received on
// behalf of a subscribed service. Implementations (ultimately the
// event manager's pipeline) must not panic; transports recover and log
// any panic so one bad delivery never kills the consumer.
type DeliveryFunc func(service string, body []byte)

// Endpoint carries the credentials and transport-specific extras for
// one (cluster, service) pair. Transports read only the extras keys
// they understand (vhost, exchange, topic-override).
type Endpoint struct {
	Username string
	Password string
	Extras   map[string]string
}

// Extra returns the named extra, or "" if absent.
func (e Endpoint) Extra(key string) string {
	if e.Extras == nil {
		return ""
	}
	return e.Extras[key]
}

// Transport is the lifecycle contract every broker adapter satisfies.
// All operations are safe for concurrent use; Close is idempotent.
type Transport interface {
	// Subscribe registers or replaces the subscription for service. If
	// the transport is already running, the subscription activates
	// immediately; otherwise it activates on the next Start. Replacing
	// an existing subscription releases the prior broker resources
	// before installing the new one.
	Subscribe(service string, endpoint Endpoint, cb DeliveryFunc) error
	// Unsubscribe detaches the consumer for service and releases its
	// broker resources. No-op if the service has no subscription.
	Unsubscribe(service string) error
	// Start activates all registered subscriptions. A second call is a
	// warning no-op. Per-service failures are reported but do not abort
	// the remaining services; the transport becomes running if Start
	// itself returns nil.
	Start() error
	// Close stops all consumers, releases broker resources, and clears
	// subscriptions. Idempotent.
	Close() error
	// ActiveCount returns the number of currently active consumers.
	ActiveCount() int
	// IsRunning reports whether Start has completed and Close has not.
	IsRunning() bool
}
