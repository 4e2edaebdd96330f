// Package logbroker implements the Kafka-style log-broker transport
// (spec §4.6): one consumer shared by all services in a cluster,
// subscribed to topics derived from the active subscriptions, driven
// by a background polling loop with back-off.
//
// The underlying Kafka client library is wired in late, not imported
// directly by this package, so a binary that never needs Kafka support
// does not pay for (or need to vendor) a Kafka client. See
// RegisterClient and the franzdriver subpackage, which is the
// Go-idiomatic analogue of spec §9's "late/reflective binding" note —
// the same pattern database/sql uses for drivers.
package logbroker

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/oslobridge/internal/transport"
)

// DefaultNotificationTopic is the topic-name suffix used when deriving
// a per-service topic and none is configured.
const DefaultNotificationTopic = "notifications"

// DefaultPollTimeout bounds a single poll call when none is configured.
const DefaultPollTimeout = time.Second

const closeJoinTimeout = 5 * time.Second

// Record is one message delivered by the underlying client, addressed
// by the topic it arrived on.
type Record struct {
	Topic string
	Value []byte
}

// Client is the minimal surface this transport needs from a Kafka-like
// client library. ClientFactory constructs one from Config.
type Client interface {
	// SetTopics replaces the full set of topics the client consumes.
	SetTopics(topics []string)
	// PollFetches blocks for up to the configured poll timeout and
	// returns any records received, or an error for a fatal client
	// condition. A nil, empty return is a normal empty poll.
	PollFetches() ([]Record, error)
	// Close releases the client's resources. Idempotent.
	Close()
}

// Config carries the parameters passed to the registered ClientFactory
// and used to derive topic names.
type Config struct {
	ClusterID         string
	BootstrapServers  []string
	GroupID           string
	AutoOffsetReset   string
	EnableAutoCommit  bool
	MaxPollRecords    int
	PollTimeout       time.Duration
	NotificationTopic string
	SecurityProtocol  string
	SASLMechanism     string
	SASLJAASConfig    string
	Extras            map[string]string
	Logger            *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.NotificationTopic == "" {
		out.NotificationTopic = DefaultNotificationTopic
	}
	if out.PollTimeout == 0 {
		out.PollTimeout = DefaultPollTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// ClientFactory constructs a Client from Config. It is nil until a
// driver package registers one via RegisterClient.
type ClientFactory func(Config) (Client, error)

var (
	factoryMu sync.RWMutex
	factory   ClientFactory
)

// RegisterClient wires a concrete Kafka client implementation into
// this package. Driver packages (e.g. franzdriver) call this from an
// init() func so importing the driver for its side effect is all a
// caller needs to do to enable the log-broker transport.
func RegisterClient(f ClientFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factory = f
}

func currentFactory() ClientFactory {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	return factory
}

type subscription struct {
	endpoint transport.Endpoint
	cb       transport.DeliveryFunc
	topic    string
}

// Transport is the log-broker implementation of transport.Transport.
type Transport struct {
	cfg     Config
	running atomic.Bool

	mu      sync.Mutex
	subs    map[string]*subscription
	client  Client
	stop    chan struct{}
	done    chan struct{}
	active  atomic.Int64
}

// New constructs a log-broker transport for one cluster. Config
// defaults are applied here; the underlying client is not constructed
// until Start.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:  cfg.withDefaults(),
		subs: make(map[string]*subscription),
	}
}

// TopicFor derives the topic name for a service per spec §4.6:
// topic-override extra if set, else (exchange extra or service) +
// "." + notificationTopic.
func TopicFor(service string, endpoint transport.Endpoint, notificationTopic string) string {
	if override := endpoint.Extra("topic-override"); override != "" {
		return override
	}
	stem := endpoint.Extra("exchange")
	if stem == "" {
		stem = service
	}
	return stem + "." + notificationTopic
}

func (t *Transport) Subscribe(service string, endpoint transport.Endpoint, cb transport.DeliveryFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subs[service] = &subscription{
		endpoint: endpoint,
		cb:       cb,
		topic:    TopicFor(service, endpoint, t.cfg.NotificationTopic),
	}

	if t.running.Load() && t.client != nil {
		t.client.SetTopics(t.topicsLocked())
		t.active.Store(int64(len(t.subs)))
	}
	return nil
}

func (t *Transport) Unsubscribe(service string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[service]; !ok {
		return nil
	}
	delete(t.subs, service)

	if t.running.Load() && t.client != nil {
		t.client.SetTopics(t.topicsLocked())
		t.active.Store(int64(len(t.subs)))
	}
	return nil
}

// topicsLocked returns the current topic set. Caller must hold t.mu.
func (t *Transport) topicsLocked() []string {
	topics := make([]string, 0, len(t.subs))
	for _, s := range t.subs {
		topics = append(topics, s.topic)
	}
	return topics
}

func (t *Transport) Start() error {
	if !t.running.CompareAndSwap(false, true) {
		t.cfg.Logger.Warn("log-broker transport already running", "cluster", t.cfg.ClusterID)
		return nil
	}

	f := currentFactory()
	if f == nil {
		t.running.Store(false)
		return fmt.Errorf("logbroker: cannot start cluster %s: %w (no driver imported for its side effect)",
			t.cfg.ClusterID, transport.ErrClientUnavailable)
	}

	client, err := f(t.cfg)
	if err != nil {
		t.running.Store(false)
		return fmt.Errorf("logbroker: construct client for cluster %s: %w", t.cfg.ClusterID, err)
	}

	t.mu.Lock()
	t.client = client
	client.SetTopics(t.topicsLocked())
	t.active.Store(int64(len(t.subs)))
	t.mu.Unlock()

	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.pollLoop()
	return nil
}

func (t *Transport) Close() error {
	if !t.running.CompareAndSwap(true, false) {
		// not running; still clear any subs that were registered but
		// never started.
		t.mu.Lock()
		t.subs = make(map[string]*subscription)
		t.mu.Unlock()
		return nil
	}

	close(t.stop)
	select {
	case <-t.done:
	case <-time.After(closeJoinTimeout):
		t.cfg.Logger.Warn("log-broker poll loop did not exit within timeout", "cluster", t.cfg.ClusterID)
	}

	t.mu.Lock()
	client := t.client
	t.client = nil
	t.subs = make(map[string]*subscription)
	t.active.Store(0)
	t.mu.Unlock()

	if client != nil {
		client.Close()
	}
	return nil
}

func (t *Transport) ActiveCount() int { return int(t.active.Load()) }

func (t *Transport) IsRunning() bool { return t.running.Load() }

// pollLoop is the single background worker this transport runs. It
// polls, routes each record by topic to its owning service's
// callback, and on any error backs off 1s before retrying. It exits
// only when stop is closed.
func (t *Transport) pollLoop() {
	defer close(t.done)
	log := t.cfg.Logger.With("cluster", t.cfg.ClusterID)

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		t.pollOnce(log)
	}
}

func (t *Transport) pollOnce(log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("log-broker poll loop panicked, backing off", "panic", r)
			sleepOrStop(time.Second, t.stop)
		}
	}()

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		sleepOrStop(time.Second, t.stop)
		return
	}

	records, err := client.PollFetches()
	if err != nil {
		log.Error("log-broker poll failed, backing off", "error", err)
		sleepOrStop(time.Second, t.stop)
		return
	}

	for _, rec := range records {
		sub, cb, service := t.resolveTopic(rec.Topic)
		if sub == nil {
			log.Warn("log-broker record for unrecognised topic dropped", "topic", rec.Topic)
			continue
		}
		deliver(cb, service, rec.Value, log)
	}
}

// resolveTopic reverse-maps a wire topic back to the owning service:
// table lookup against known subscriptions first, falling back to the
// substring before the first '.' (spec §4.6).
func (t *Transport) resolveTopic(topic string) (*subscription, transport.DeliveryFunc, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for service, sub := range t.subs {
		if sub.topic == topic {
			return sub, sub.cb, service
		}
	}

	if idx := strings.IndexByte(topic, '.'); idx >= 0 {
		service := topic[:idx]
		if sub, ok := t.subs[service]; ok {
			return sub, sub.cb, service
		}
	}

	return nil, nil, ""
}

func deliver(cb transport.DeliveryFunc, service string, body []byte, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("log-broker delivery callback panicked", "service", service, "panic", r)
		}
	}()
	cb(service, body)
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
	}
}
