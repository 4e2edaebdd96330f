package logbroker

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/oslobridge/internal/transport"
)

type fakeClient struct {
	mu     sync.Mutex
	topics []string
	recs   chan []Record
	errs   chan error
	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{recs: make(chan []Record, 10), errs: make(chan error, 10)}
}

func (f *fakeClient) SetTopics(topics []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = topics
}

func (f *fakeClient) Topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.topics...)
}

func (f *fakeClient) PollFetches() ([]Record, error) {
	select {
	case r := <-f.recs:
		return r, nil
	case err := <-f.errs:
		return nil, err
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func withFakeFactory(t *testing.T, client *fakeClient) {
	t.Helper()
	prevFactory := factory
	RegisterClient(func(cfg Config) (Client, error) { return client, nil })
	t.Cleanup(func() {
		factoryMu.Lock()
		factory = prevFactory
		factoryMu.Unlock()
	})
}

func TestTopicFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		service  string
		ep       transport.Endpoint
		notifTop string
		want     string
	}{
		{"default", "nova", transport.Endpoint{}, "notifications", "nova.notifications"},
		{"exchange override", "nova", transport.Endpoint{Extras: map[string]string{"exchange": "compute"}}, "notifications", "compute.notifications"},
		{"topic override wins", "nova", transport.Endpoint{Extras: map[string]string{"topic-override": "custom.topic"}}, "notifications", "custom.topic"},
	}
	for _, tc := range cases {
		if got := TopicFor(tc.service, tc.ep, tc.notifTop); got != tc.want {
			t.Errorf("%s: TopicFor = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestStart_NoFactoryRegisteredFails(t *testing.T) {
	factoryMu.Lock()
	prev := factory
	factory = nil
	factoryMu.Unlock()
	t.Cleanup(func() {
		factoryMu.Lock()
		factory = prev
		factoryMu.Unlock()
	})

	tr := New(Config{ClusterID: "c1", Logger: slog.Default()})
	err := tr.Start()
	if err == nil {
		t.Fatal("expected error when no client factory is registered")
	}
	if !errors.Is(err, transport.ErrClientUnavailable) {
		t.Errorf("error does not wrap ErrClientUnavailable: %v", err)
	}
}

func TestSubscribeStartDeliversRecords(t *testing.T) {
	fc := newFakeClient()
	withFakeFactory(t, fc)

	tr := New(Config{ClusterID: "c1", NotificationTopic: "notifications", Logger: slog.Default()})

	received := make(chan []byte, 1)
	if err := tr.Subscribe("nova", transport.Endpoint{}, func(service string, body []byte) {
		received <- body
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	if tr.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", tr.ActiveCount())
	}

	fc.recs <- []Record{{Topic: "nova.notifications", Value: []byte(`{"event_type":"x"}`)}}

	select {
	case body := <-received:
		if string(body) != `{"event_type":"x"}` {
			t.Errorf("delivered body = %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("record was never delivered to the callback")
	}
}

func TestResolveTopic_FallsBackToSubstringBeforeDot(t *testing.T) {
	fc := newFakeClient()
	withFakeFactory(t, fc)

	tr := New(Config{ClusterID: "c1", NotificationTopic: "notifications", Logger: slog.Default()})
	_ = tr.Subscribe("nova", transport.Endpoint{}, func(service string, body []byte) {})

	sub, _, service := tr.resolveTopic("nova.unexpected.suffix")
	if sub == nil {
		t.Fatal("expected fallback resolution by substring before first dot")
	}
	if service != "nova" {
		t.Errorf("resolved service = %q, want nova", service)
	}
}

func TestClose_IsIdempotentAndClosesClient(t *testing.T) {
	fc := newFakeClient()
	withFakeFactory(t, fc)

	tr := New(Config{ClusterID: "c1", Logger: slog.Default()})
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	fc.mu.Lock()
	closed := fc.closed
	fc.mu.Unlock()
	if !closed {
		t.Errorf("underlying client was not closed")
	}
	if tr.IsRunning() {
		t.Errorf("IsRunning() = true after Close")
	}
}
