// Package amqpdial is a thin wrapper around the channel/topology calls
// amqp091-go exposes, shared by internal/transport/amqptransport (which
// dials the connection itself).
// Each function forwards to exactly one client call; the point of the
// package is a single named place for the topology this module expects
// (durable topic exchange, durable queue, priority bindings), not any
// behavior of its own.
package amqpdial

import amqp "github.com/rabbitmq/amqp091-go"

// OpenChannel opens a new channel on an established connection.
func OpenChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	return conn.Channel()
}

// DeclareExchange declares the durable topic exchange notifications are
// published to.
func DeclareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, "topic", true, false, false, false, nil)
}

// DeclareQueue declares the durable per-service queue.
func DeclareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(name, true, false, false, false, nil)
}

// Bind binds queue to exchange under routingKey.
func Bind(ch *amqp.Channel, queue, routingKey, exchange string) error {
	return ch.QueueBind(queue, routingKey, exchange, false, nil)
}

// SetQos applies the consumer prefetch count.
func SetQos(ch *amqp.Channel, prefetchCount int) error {
	return ch.Qos(prefetchCount, 0, false)
}

// Consume starts an auto-ack consumer on queue.
func Consume(ch *amqp.Channel, queue string) (<-chan amqp.Delivery, error) {
	return ch.Consume(queue, "", true, false, false, false, nil)
}
