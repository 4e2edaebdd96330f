// Package franzdriver wires github.com/twmb/franz-go/pkg/kgo in as
// logbroker's Kafka client, purely via the init() side effect of
// importing this package. A binary that only needs the AMQP transport
// never imports franzdriver and never links the Kafka client.
package franzdriver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/nugget/oslobridge/internal/transport/logbroker"
)

func init() {
	logbroker.RegisterClient(newClient)
}

type franzClient struct {
	client      *kgo.Client
	pollTimeout time.Duration
}

func newClient(cfg logbroker.Config) (logbroker.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.ConsumerGroup(cfg.GroupID),
	}

	switch cfg.AutoOffsetReset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	if !cfg.EnableAutoCommit {
		opts = append(opts, kgo.DisableAutoCommit())
	}

	if cfg.SecurityProtocol == "SASL_SSL" || cfg.SecurityProtocol == "SSL" {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	switch cfg.SASLMechanism {
	case "PLAIN":
		user, pass := parseJAASPlain(cfg.SASLJAASConfig)
		opts = append(opts, kgo.SASL(plain.Auth{User: user, Pass: pass}.AsMechanism()))
	case "SCRAM-SHA-256":
		user, pass := parseJAASPlain(cfg.SASLJAASConfig)
		opts = append(opts, kgo.SASL(scram.Auth{User: user, Pass: pass}.AsSha256Mechanism()))
	case "SCRAM-SHA-512":
		user, pass := parseJAASPlain(cfg.SASLJAASConfig)
		opts = append(opts, kgo.SASL(scram.Auth{User: user, Pass: pass}.AsSha512Mechanism()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("franzdriver: new client for cluster %s: %w", cfg.ClusterID, err)
	}

	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = logbroker.DefaultPollTimeout
	}

	return &franzClient{client: client, pollTimeout: pollTimeout}, nil
}

func (c *franzClient) SetTopics(topics []string) {
	c.client.AddConsumeTopics(topics...)
	c.client.PurgeTopicsFromClient(absent(c.client, topics)...)
}

// absent is a placeholder for topics the caller no longer wants
// consumed; franz-go has no direct "set exactly these topics" call, so
// subscription changes are applied additively plus an explicit purge
// of anything not in the new set. Kept as a narrow helper so the
// subtlety lives in one place.
func absent(client *kgo.Client, wanted []string) []string {
	want := make(map[string]bool, len(wanted))
	for _, t := range wanted {
		want[t] = true
	}
	var drop []string
	for _, t := range client.GetConsumeTopics() {
		if !want[t] {
			drop = append(drop, t)
		}
	}
	return drop
}

func (c *franzClient) PollFetches() ([]logbroker.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.pollTimeout)
	defer cancel()

	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, nil
	}
	for _, fe := range fetches.Errors() {
		// The poll timeout expiring with nothing fetched is a normal
		// empty poll, not a client failure.
		if errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}
		return nil, fmt.Errorf("franzdriver: poll: %v", fe.Err)
	}

	var records []logbroker.Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, logbroker.Record{Topic: r.Topic, Value: r.Value})
	})
	return records, nil
}

func (c *franzClient) Close() {
	c.client.Close()
}

// parseJAASPlain extracts username/password from a Kafka-style JAAS
// config string of the form:
//
//	org.apache.kafka.common.security.plain.PlainLoginModule required username="u" password="p";
func parseJAASPlain(jaas string) (user, pass string) {
	user = extractQuoted(jaas, "username=")
	pass = extractQuoted(jaas, "password=")
	return user, pass
}

func extractQuoted(s, key string) string {
	idx := strings.Index(s, key)
	if idx < 0 {
		return ""
	}
	rest := s[idx+len(key):]
	if len(rest) == 0 || rest[0] != '"' {
		return ""
	}
	rest = rest[1:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}
