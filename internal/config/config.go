// Package config defines and loads the configuration schema the event
// manager consumes (spec §6): enablement, defaults shared across
// clusters, and per-cluster broker/service settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kind names recognised in Cluster.Transport.
const (
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
)

// Defaults applied when the corresponding field is left at its zero
// value after loading.
const (
	DefaultTopic             = "notifications"
	DefaultPrefetchCount     = 10
	DefaultReconnectInterval = 5 * time.Second
	DefaultRabbitMQPort      = 5672
	DefaultConnectionTimeout = 10 * time.Second
	DefaultHeartbeatSec      = 30
	DefaultAutoOffsetReset   = "earliest"
	DefaultMaxPollRecords    = 100
	DefaultPollTimeout       = time.Second
)

// Root is the top-level configuration consumed by the event manager.
type Root struct {
	Enabled           bool               `yaml:"enabled"`
	Topic             string             `yaml:"topic"`
	PrefetchCount     int                `yaml:"prefetchCount"`
	ReconnectInterval time.Duration      `yaml:"reconnectInterval"`
	Clusters          map[string]Cluster `yaml:"clusters"`
}

// Cluster is one named OpenStack deployment's broker configuration.
type Cluster struct {
	Transport  string                   `yaml:"transport"`
	RabbitMQ   RabbitMQConfig           `yaml:"rabbitmq"`
	Kafka      KafkaConfig              `yaml:"kafka"`
	Services   map[string]ServiceConfig `yaml:"services"`
	Priorities []string                 `yaml:"priorities"`
}

// UnmarshalYAML accepts "vhosts" as an alias for "services" (spec §6).
func (c *Cluster) UnmarshalYAML(unmarshal func(any) error) error {
	type alias Cluster
	var raw struct {
		alias  `yaml:",inline"`
		Vhosts map[string]ServiceConfig `yaml:"vhosts"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*c = Cluster(raw.alias)
	if c.Services == nil && raw.Vhosts != nil {
		c.Services = raw.Vhosts
	}
	return nil
}

// RabbitMQConfig carries the AMQP broker-wide connection parameters.
type RabbitMQConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	SSL                 bool   `yaml:"ssl"`
	ConnectionTimeoutMs int    `yaml:"connectionTimeoutMs"`
	HeartbeatSec        int    `yaml:"heartbeatSec"`
}

// ConnectionTimeout returns ConnectionTimeoutMs as a time.Duration,
// defaulted if unset.
func (r RabbitMQConfig) ConnectionTimeout() time.Duration {
	if r.ConnectionTimeoutMs <= 0 {
		return DefaultConnectionTimeout
	}
	return time.Duration(r.ConnectionTimeoutMs) * time.Millisecond
}

// KafkaConfig carries the log-broker-wide consumer parameters.
type KafkaConfig struct {
	BootstrapServers []string `yaml:"bootstrapServers"`
	GroupID          string   `yaml:"groupId"`
	AutoOffsetReset  string   `yaml:"autoOffsetReset"`
	EnableAutoCommit *bool    `yaml:"enableAutoCommit"`
	MaxPollRecords   int      `yaml:"maxPollRecords"`
	PollTimeoutMs    int      `yaml:"pollTimeoutMs"`
	SecurityProtocol string   `yaml:"securityProtocol"`
	SASLMechanism    string   `yaml:"saslMechanism"`
	SASLJAASConfig   string   `yaml:"saslJaasConfig"`
}

// AutoCommit returns EnableAutoCommit, defaulted to true if unset.
func (k KafkaConfig) AutoCommit() bool {
	if k.EnableAutoCommit == nil {
		return true
	}
	return *k.EnableAutoCommit
}

// PollTimeout returns PollTimeoutMs as a time.Duration, defaulted if unset.
func (k KafkaConfig) PollTimeout() time.Duration {
	if k.PollTimeoutMs <= 0 {
		return DefaultPollTimeout
	}
	return time.Duration(k.PollTimeoutMs) * time.Millisecond
}

// ServiceConfig is one OpenStack service's credentials and
// transport-specific extras.
type ServiceConfig struct {
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Vhost         string `yaml:"vhost"`
	Exchange      string `yaml:"exchange"`
	TopicOverride string `yaml:"topicOverride"`
}

// Extras returns the recognised transport-specific extras as a plain
// map, the shape transport.Endpoint expects.
func (s ServiceConfig) Extras() map[string]string {
	extras := make(map[string]string, 3)
	if s.Vhost != "" {
		extras["vhost"] = s.Vhost
	}
	if s.Exchange != "" {
		extras["exchange"] = s.Exchange
	}
	if s.TopicOverride != "" {
		extras["topic-override"] = s.TopicOverride
	}
	return extras
}

// Load reads and parses a YAML configuration file at path, then
// applies ApplyDefaults and Validate.
func Load(path string) (Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Root{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var root Root
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Root{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	root.ApplyDefaults()
	if err := root.Validate(); err != nil {
		return Root{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return root, nil
}

// ApplyDefaults fills in zero-valued root and cluster fields with the
// defaults from spec §6.
func (r *Root) ApplyDefaults() {
	if r.Topic == "" {
		r.Topic = DefaultTopic
	}
	if r.PrefetchCount == 0 {
		r.PrefetchCount = DefaultPrefetchCount
	}
	if r.ReconnectInterval == 0 {
		r.ReconnectInterval = DefaultReconnectInterval
	}
	for name, cluster := range r.Clusters {
		if cluster.Transport == "" {
			cluster.Transport = TransportRabbitMQ
		}
		if cluster.RabbitMQ.Port == 0 {
			cluster.RabbitMQ.Port = DefaultRabbitMQPort
		}
		if cluster.RabbitMQ.HeartbeatSec == 0 {
			cluster.RabbitMQ.HeartbeatSec = DefaultHeartbeatSec
		}
		if cluster.Kafka.AutoOffsetReset == "" {
			cluster.Kafka.AutoOffsetReset = DefaultAutoOffsetReset
		}
		if cluster.Kafka.MaxPollRecords == 0 {
			cluster.Kafka.MaxPollRecords = DefaultMaxPollRecords
		}
		r.Clusters[name] = cluster
	}
}

// Validate reports a descriptive error for any cluster whose transport
// kind is not recognised, or whose transport-specific required fields
// are missing.
func (r Root) Validate() error {
	for name, cluster := range r.Clusters {
		switch cluster.Transport {
		case TransportRabbitMQ:
			if cluster.RabbitMQ.Host == "" {
				return fmt.Errorf("cluster %q: rabbitmq.host is required", name)
			}
		case TransportKafka:
			if len(cluster.Kafka.BootstrapServers) == 0 {
				return fmt.Errorf("cluster %q: kafka.bootstrapServers is required", name)
			}
			if cluster.Kafka.GroupID == "" {
				return fmt.Errorf("cluster %q: kafka.groupId is required", name)
			}
		default:
			return fmt.Errorf("cluster %q: unknown transport %q (want %q or %q)",
				name, cluster.Transport, TransportRabbitMQ, TransportKafka)
		}
	}
	return nil
}
