// Package manager implements the event manager (spec §4.7): it owns
// the configuration, one transport per cluster, the listener
// registry, and the message-processing pipeline
// bytes -> unwrap -> parse -> dispatch.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/oslobridge/internal/config"
	"github.com/nugget/oslobridge/internal/envelope"
	"github.com/nugget/oslobridge/internal/event"
	"github.com/nugget/oslobridge/internal/listenerbus"
	"github.com/nugget/oslobridge/internal/notification"
	"github.com/nugget/oslobridge/internal/transport"
	"github.com/nugget/oslobridge/internal/transport/amqptransport"
	"github.com/nugget/oslobridge/internal/transport/logbroker"
)

// Metrics is a narrow, optional observability hook. A nil Metrics is
// treated the same as noopMetrics: embedding applications wire in a
// Prometheus (or any other) backend only if they want to.
type Metrics interface {
	MessageReceived(cluster, service string)
	MessageDropped(cluster, service, reason string)
	EventDispatched(cluster, service string)
	ListenerError(cluster, service string)
}

type noopMetrics struct{}

func (noopMetrics) MessageReceived(string, string)        {}
func (noopMetrics) MessageDropped(string, string, string) {}
func (noopMetrics) EventDispatched(string, string)        {}
func (noopMetrics) ListenerError(string, string)          {}

// TransportFactory constructs a transport.Transport for one cluster.
// Manager uses this indirection (rather than constructing
// amqptransport/logbroker directly) so tests can supply a fake.
// SetTransport installs a transport directly, without the factory.
type TransportFactory func(clusterID string, cluster config.Cluster, root config.Root) (transport.Transport, error)

// ClusterSnapshot is a read-only summary of one cluster's runtime
// state, returned by Manager.Snapshot for operator introspection.
type ClusterSnapshot struct {
	ClusterID   string
	Transport   string
	Running     bool
	ActiveCount int
}

// Snapshot is the full read-only introspection result returned by
// Manager.Snapshot.
type Snapshot struct {
	Clusters      []ClusterSnapshot
	ListenerCount int
}

// Manager orchestrates transports, applies the unwrap/parse pipeline,
// and fans parsed events out to registered listeners.
type Manager struct {
	root    config.Root
	log     *slog.Logger
	metrics Metrics
	factory TransportFactory

	running atomic.Bool

	mu         sync.Mutex
	transports map[string]transport.Transport
	listeners  *listenerbus.Bus
}

// Option configures optional Manager fields.
type Option func(*Manager)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics wires a Metrics implementation. Passing nil is
// equivalent to not calling WithMetrics at all.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithTransportFactory overrides how transports are constructed;
// primarily for tests.
func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// New constructs a Manager from root configuration. It does not open
// any broker connections until Start.
func New(root config.Root, opts ...Option) *Manager {
	m := &Manager{
		root:       root,
		log:        slog.Default(),
		metrics:    noopMetrics{},
		transports: make(map[string]transport.Transport),
		listeners:  listenerbus.New(),
	}
	m.factory = defaultTransportFactory
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddListener registers l to receive every dispatched event and
// returns a token for a later RemoveListener call. Safe to call at any
// time, including while running.
func (m *Manager) AddListener(l listenerbus.Listener) listenerbus.Subscription {
	return m.listeners.Add(l)
}

// RemoveListener unregisters the listener sub was issued for. Safe to
// call at any time.
func (m *Manager) RemoveListener(sub listenerbus.Subscription) {
	m.listeners.Remove(sub)
}

// Start walks the configured clusters; for each, it constructs (or
// reuses) the cluster's transport, subscribes every configured
// service with a callback bound to (clusterID, serviceName), and
// calls transport.Start. Per-cluster failures are logged and do not
// abort the other clusters. Start is a no-op if the manager is
// disabled in configuration.
func (m *Manager) Start() error {
	if !m.root.Enabled {
		m.log.Info("event manager disabled, not starting")
		return nil
	}
	if !m.running.CompareAndSwap(false, true) {
		m.log.Warn("event manager already running")
		return nil
	}

	for clusterID, cluster := range m.root.Clusters {
		if err := m.startCluster(clusterID, cluster); err != nil {
			m.log.Error("cluster start failed, continuing with other clusters", "cluster", clusterID, "error", err)
		}
	}
	return nil
}

func (m *Manager) startCluster(clusterID string, cluster config.Cluster) error {
	m.mu.Lock()
	t, ok := m.transports[clusterID]
	m.mu.Unlock()

	if !ok {
		var err error
		t, err = m.factory(clusterID, cluster, m.root)
		if err != nil {
			return fmt.Errorf("construct transport: %w", err)
		}
		m.mu.Lock()
		m.transports[clusterID] = t
		m.mu.Unlock()
	}

	for serviceName, svc := range cluster.Services {
		ep := transport.Endpoint{Username: svc.Username, Password: svc.Password, Extras: svc.Extras()}
		cb := m.callbackFor(clusterID, serviceName)
		if err := t.Subscribe(serviceName, ep, cb); err != nil {
			m.log.Error("service subscribe failed", "cluster", clusterID, "service", serviceName, "error", err)
		}
	}

	return t.Start()
}

// callbackFor binds a transport.DeliveryFunc to a fixed (clusterID,
// serviceName) pair and runs the unwrap -> parse -> dispatch pipeline.
func (m *Manager) callbackFor(clusterID, serviceName string) transport.DeliveryFunc {
	return func(_ string, body []byte) {
		m.handleMessage(clusterID, serviceName, body)
	}
}

func (m *Manager) handleMessage(clusterID, serviceName string, body []byte) {
	m.metrics.MessageReceived(clusterID, serviceName)

	inner, warnings, err := envelope.Unwrap(body)
	for _, w := range warnings {
		m.log.Warn("envelope warning", "cluster", clusterID, "service", serviceName, "warning", w.Message)
	}
	if err != nil {
		m.log.Error("envelope unwrap failed, dropping message", "cluster", clusterID, "service", serviceName, "error", err)
		m.log.Debug("dropped message body", "cluster", clusterID, "service", serviceName, "body", string(body))
		m.metrics.MessageDropped(clusterID, serviceName, "envelope_error")
		return
	}

	ev, reason, _ := notification.Parse(clusterID, serviceName, inner)
	if reason != notification.NoSkip {
		level := slog.LevelWarn
		if reason == notification.ErrMalformedNotification || reason == notification.ErrExtractionPanic {
			level = slog.LevelError
		}
		m.log.Log(context.Background(), level, "notification skipped", "cluster", clusterID, "service", serviceName, "reason", reason.String())
		m.metrics.MessageDropped(clusterID, serviceName, reason.String())
		return
	}

	if !m.priorityAllowed(clusterID, ev.Priority) {
		m.metrics.MessageDropped(clusterID, serviceName, "priority_filtered")
		return
	}

	m.listeners.Dispatch(ev, m.log, func(event.OpenStackEvent) {
		m.metrics.ListenerError(clusterID, serviceName)
	})
	m.metrics.EventDispatched(clusterID, serviceName)
}

// priorityAllowed applies the optional per-cluster priority allow-list
// (SPEC_FULL §4 expansion). An empty or absent allow-list accepts
// every priority, including an empty Priority field.
func (m *Manager) priorityAllowed(clusterID, priority string) bool {
	cluster, ok := m.root.Clusters[clusterID]
	if !ok {
		return true
	}
	allow := cluster.Priorities
	if len(allow) == 0 {
		return true
	}
	for _, p := range allow {
		if strings.EqualFold(p, priority) {
			return true
		}
	}
	return false
}

// AddService subscribes a new service on an already-running cluster's
// transport. The cluster's transport must already exist (spec §4.7).
func (m *Manager) AddService(clusterID, serviceName string, svc config.ServiceConfig) error {
	m.mu.Lock()
	t, ok := m.transports[clusterID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: addService: cluster %q has no transport", clusterID)
	}

	ep := transport.Endpoint{Username: svc.Username, Password: svc.Password, Extras: svc.Extras()}
	return t.Subscribe(serviceName, ep, m.callbackFor(clusterID, serviceName))
}

// RemoveService unsubscribes a service from its cluster's transport.
// No-op if the cluster or service is unknown.
func (m *Manager) RemoveService(clusterID, serviceName string) error {
	m.mu.Lock()
	t, ok := m.transports[clusterID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Unsubscribe(serviceName)
}

// SetTransport closes the previous transport for clusterID (if any)
// and installs t in its place. Used to plug in a third-party
// transport.SPI implementation.
func (m *Manager) SetTransport(clusterID string, t transport.Transport) error {
	m.mu.Lock()
	prev, hadPrev := m.transports[clusterID]
	m.transports[clusterID] = t
	m.mu.Unlock()

	if hadPrev {
		if err := prev.Close(); err != nil {
			m.log.Error("closing previous transport failed", "cluster", clusterID, "error", err)
		}
	}
	return nil
}

// Snapshot returns a read-only summary of every cluster's current
// transport state plus the total registered listener count, for
// operator dashboards.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	clusters := make([]ClusterSnapshot, 0, len(m.transports))
	for clusterID, t := range m.transports {
		clusters = append(clusters, ClusterSnapshot{
			ClusterID:   clusterID,
			Transport:   m.root.Clusters[clusterID].Transport,
			Running:     t.IsRunning(),
			ActiveCount: t.ActiveCount(),
		})
	}
	m.mu.Unlock()

	return Snapshot{Clusters: clusters, ListenerCount: m.listeners.Count()}
}

// Stop closes every cluster's transport, logging and swallowing
// individual errors, and clears the transport map. Idempotent.
func (m *Manager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}

	m.mu.Lock()
	transports := m.transports
	m.transports = make(map[string]transport.Transport)
	m.mu.Unlock()

	for clusterID, t := range transports {
		if err := t.Close(); err != nil {
			m.log.Error("transport close failed", "cluster", clusterID, "error", err)
		}
	}
	return nil
}

// Close is an alias for Stop, for io.Closer-style callers.
func (m *Manager) Close() error { return m.Stop() }

func defaultTransportFactory(clusterID string, cluster config.Cluster, root config.Root) (transport.Transport, error) {
	switch cluster.Transport {
	case config.TransportKafka:
		return logbroker.New(logbroker.Config{
			ClusterID:         clusterID,
			BootstrapServers:  cluster.Kafka.BootstrapServers,
			GroupID:           cluster.Kafka.GroupID,
			AutoOffsetReset:   cluster.Kafka.AutoOffsetReset,
			EnableAutoCommit:  cluster.Kafka.AutoCommit(),
			MaxPollRecords:    cluster.Kafka.MaxPollRecords,
			PollTimeout:       cluster.Kafka.PollTimeout(),
			NotificationTopic: root.Topic,
			SecurityProtocol:  cluster.Kafka.SecurityProtocol,
			SASLMechanism:     cluster.Kafka.SASLMechanism,
			SASLJAASConfig:    cluster.Kafka.SASLJAASConfig,
		}), nil
	default:
		return amqptransport.New(amqptransport.Config{
			ClusterID:         clusterID,
			Host:              cluster.RabbitMQ.Host,
			Port:              cluster.RabbitMQ.Port,
			SSL:               cluster.RabbitMQ.SSL,
			Topic:             root.Topic,
			PrefetchCount:     root.PrefetchCount,
			ReconnectInterval: root.ReconnectInterval,
			ConnectionTimeout: cluster.RabbitMQ.ConnectionTimeout(),
			HeartbeatSec:      cluster.RabbitMQ.HeartbeatSec,
		}), nil
	}
}

// event and listenerbus.ListenerFunc are re-exported at the package
// level for callers that only need a quick functional listener
// without importing the listenerbus package directly.
type Event = event.OpenStackEvent

// ListenerFunc adapts a plain function to the listenerbus.Listener
// interface Manager's Add/RemoveListener accept.
type ListenerFunc = listenerbus.ListenerFunc
