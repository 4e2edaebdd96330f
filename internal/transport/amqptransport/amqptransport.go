// Package amqptransport implements the AMQP 0-9-1 transport (spec
// §4.5): one broker connection per service, each with its own virtual
// host, a durable topic exchange, a durable queue, and priority
// bindings, with a background goroutine that reconnects on failure.
package amqptransport

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nugget/oslobridge/internal/transport"
	"github.com/nugget/oslobridge/internal/transport/amqpdial"
)

// DefaultTopic is the routing-key stem used when no topic is
// configured.
const DefaultTopic = "notifications"

// DefaultPrefetch is the consumer QoS prefetch count used when none is
// configured.
const DefaultPrefetch = 10

// DefaultReconnectInterval is the delay between reconnect attempts
// used when none is configured.
const DefaultReconnectInterval = 5 * time.Second

// Config carries the broker-wide parameters shared by every service
// session this transport opens.
type Config struct {
	ClusterID         string
	Host              string
	Port              int
	SSL               bool
	Topic             string
	PrefetchCount     int
	ReconnectInterval time.Duration
	ConnectionTimeout time.Duration
	HeartbeatSec      int
	Logger            *slog.Logger

	// dialFunc is overridable in tests to avoid a real network dial.
	dialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Topic == "" {
		out.Topic = DefaultTopic
	}
	if out.PrefetchCount == 0 {
		out.PrefetchCount = DefaultPrefetch
	}
	if out.ReconnectInterval == 0 {
		out.ReconnectInterval = DefaultReconnectInterval
	}
	if out.ConnectionTimeout == 0 {
		out.ConnectionTimeout = 10 * time.Second
	}
	if out.HeartbeatSec == 0 {
		out.HeartbeatSec = 30
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.dialFunc == nil {
		out.dialFunc = amqp.DialConfig
	}
	return out
}

// Transport is the AMQP implementation of transport.Transport.
type Transport struct {
	cfg     Config
	running atomic.Bool

	mu   sync.Mutex
	subs map[string]*subscription
}

// New constructs an AMQP transport for one cluster. It does not dial
// anything until Start or an already-running Subscribe is called.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:  cfg.withDefaults(),
		subs: make(map[string]*subscription),
	}
}

type subscription struct {
	service  string
	endpoint transport.Endpoint
	cb       transport.DeliveryFunc

	stop     chan struct{}
	done     chan struct{}
	active   atomic.Bool
}

func (t *Transport) Subscribe(service string, endpoint transport.Endpoint, cb transport.DeliveryFunc) error {
	t.mu.Lock()
	prev, hadPrev := t.subs[service]
	sub := &subscription{service: service, endpoint: endpoint, cb: cb}
	t.subs[service] = sub
	running := t.running.Load()
	t.mu.Unlock()

	if hadPrev {
		prev.stopSession()
	}

	if running {
		t.activate(sub)
	}
	return nil
}

func (t *Transport) Unsubscribe(service string) error {
	t.mu.Lock()
	sub, ok := t.subs[service]
	if ok {
		delete(t.subs, service)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	sub.stopSession()
	return nil
}

func (t *Transport) Start() error {
	if !t.running.CompareAndSwap(false, true) {
		t.cfg.Logger.Warn("amqp transport already running", "cluster", t.cfg.ClusterID)
		return nil
	}

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		t.activate(sub)
	}
	return nil
}

func (t *Transport) Close() error {
	if !t.running.CompareAndSwap(true, false) {
		// already stopped; still clear any subs that were registered
		// but never activated.
	}

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[string]*subscription)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.stopSession()
	}
	return nil
}

func (t *Transport) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.subs {
		if s.active.Load() {
			n++
		}
	}
	return n
}

func (t *Transport) IsRunning() bool { return t.running.Load() }

// activate launches the background session goroutine for one
// subscription. Start-up failures are logged and do not block the
// caller or abort other services (spec §4.5 "log and continue").
func (t *Transport) activate(sub *subscription) {
	if sub.active.Load() {
		return
	}
	sub.active.Store(true)
	sub.stop = make(chan struct{})
	sub.done = make(chan struct{})

	go t.runSession(sub)
}

func (sub *subscription) stopSession() {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	close(sub.stop)
	<-sub.done
}

// runSession owns one service's connection lifecycle: dial, declare
// topology, consume, and on any failure wait ReconnectInterval and
// retry, until stop is closed.
func (t *Transport) runSession(sub *subscription) {
	defer close(sub.done)
	log := t.cfg.Logger.With("cluster", t.cfg.ClusterID, "service", sub.service)

	for {
		select {
		case <-sub.stop:
			return
		default:
		}

		conn, ch, msgs, err := t.open(sub)
		if err != nil {
			log.Error("amqp session setup failed, will retry", "error", err)
			if !sleepOrStop(t.cfg.ReconnectInterval, sub.stop) {
				return
			}
			continue
		}

		log.Info("amqp consumer started")
		t.consumeLoop(sub, msgs, log)

		// consumeLoop returns when the delivery channel closed
		// (connection lost) or stop was triggered.
		closeQuiet(ch)
		closeQuiet(conn)

		select {
		case <-sub.stop:
			return
		default:
			log.Warn("amqp connection lost, reconnecting", "interval", t.cfg.ReconnectInterval)
			if !sleepOrStop(t.cfg.ReconnectInterval, sub.stop) {
				return
			}
		}
	}
}

type closer interface{ Close() error }

func closeQuiet(c closer) {
	if c == nil {
		return
	}
	_ = c.Close()
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

// open dials the service's isolated virtual host, declares the topic
// exchange, durable queue, and priority bindings, sets QoS, and starts
// an auto-ack consumer.
func (t *Transport) open(sub *subscription) (*amqp.Connection, *amqp.Channel, <-chan amqp.Delivery, error) {
	vhost := sub.endpoint.Extra("vhost")
	if vhost == "" {
		vhost = "/" + sub.service
	}
	exchange := sub.endpoint.Extra("exchange")
	if exchange == "" {
		exchange = sub.service
	}

	connName, err := connectionName(t.cfg.ClusterID, sub.service)
	if err != nil {
		return nil, nil, nil, &transport.Error{Service: sub.service, Op: "dial", Err: err}
	}

	dsn := amqpURL(t.cfg, sub.endpoint, vhost)
	amqpCfg := amqp.Config{
		Heartbeat:  time.Duration(t.cfg.HeartbeatSec) * time.Second,
		Dial:       amqp.DefaultDial(t.cfg.ConnectionTimeout),
		Properties: amqp.Table{"connection_name": connName},
	}

	conn, err := t.cfg.dialFunc(dsn, amqpCfg)
	if err != nil {
		return nil, nil, nil, &transport.Error{Service: sub.service, Op: "dial", Err: err}
	}

	ch, err := amqpdial.OpenChannel(conn)
	if err != nil {
		closeQuiet(conn)
		return nil, nil, nil, &transport.Error{Service: sub.service, Op: "open-channel", Err: err}
	}

	if err := amqpdial.DeclareExchange(ch, exchange); err != nil {
		closeQuiet(ch)
		closeQuiet(conn)
		return nil, nil, nil, &transport.Error{Service: sub.service, Op: "declare-exchange", Err: err}
	}

	queueName := QueueName(t.cfg.ClusterID, sub.service)
	q, err := amqpdial.DeclareQueue(ch, queueName)
	if err != nil {
		closeQuiet(ch)
		closeQuiet(conn)
		return nil, nil, nil, &transport.Error{Service: sub.service, Op: "declare-queue", Err: err}
	}

	for _, priority := range []string{"info", "error", "warn"} {
		routingKey := t.cfg.Topic + "." + priority
		if err := amqpdial.Bind(ch, q.Name, routingKey, exchange); err != nil {
			closeQuiet(ch)
			closeQuiet(conn)
			return nil, nil, nil, &transport.Error{Service: sub.service, Op: "bind", Err: err}
		}
	}

	if err := amqpdial.SetQos(ch, t.cfg.PrefetchCount); err != nil {
		closeQuiet(ch)
		closeQuiet(conn)
		return nil, nil, nil, &transport.Error{Service: sub.service, Op: "qos", Err: err}
	}

	msgs, err := amqpdial.Consume(ch, q.Name)
	if err != nil {
		closeQuiet(ch)
		closeQuiet(conn)
		return nil, nil, nil, &transport.Error{Service: sub.service, Op: "consume", Err: err}
	}

	return conn, ch, msgs, nil
}

func (t *Transport) consumeLoop(sub *subscription, msgs <-chan amqp.Delivery, log *slog.Logger) {
	for {
		select {
		case <-sub.stop:
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			deliver(sub.cb, sub.service, d.Body, log)
		}
	}
}

// deliver invokes the callback, recovering any panic so a single bad
// delivery never kills the consumer goroutine (spec §4.4).
func deliver(cb transport.DeliveryFunc, service string, body []byte, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("amqp delivery callback panicked", "service", service, "panic", r)
		}
	}()
	cb(service, body)
}

// QueueName returns the durable queue name this transport uses for a
// (clusterID, service) pair: "openstack-event-{clusterID}-{service}".
func QueueName(clusterID, service string) string {
	return "openstack-event-" + clusterID + "-" + service
}

// connectionName returns the client-provided connection name surfaced
// in the broker's management UI, so an operator can trace a given
// session back to its (cluster, service) pair. Each dial gets a fresh
// UUIDv7 suffix since this names a TCP session, not a durable identity.
func connectionName(clusterID, service string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}
	return fmt.Sprintf("openstack-event-%s-%s-%s", clusterID, service, id.String()), nil
}

func amqpURL(cfg Config, ep transport.Endpoint, vhost string) string {
	scheme := "amqp"
	if cfg.SSL {
		scheme = "amqps"
	}
	user := url.QueryEscape(ep.Username)
	pass := url.QueryEscape(ep.Password)
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, user, pass, cfg.Host, cfg.Port, amqpVhostEscape(vhost))
}

// amqpVhostEscape percent-encodes a vhost name for use as the single
// path segment of an AMQP URI. A vhost name may itself contain "/"
// (this transport's default is "/"+serviceName), which must be escaped
// as %2F so the URI parser doesn't mistake it for an additional path
// separator.
func amqpVhostEscape(vhost string) string {
	return strings.ReplaceAll(vhost, "/", "%2F")
}
