/*
Package mq manages connection with RabbitMQ and carries the subscription
messages between gateway processes.
*/
package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange every gateway process publishes to.
const DefaultExchange = "showchat"

/*
Dialer wraps a single AMQP connection to RabbitMQ.  Only a single connection is
used per process; publishers and consumers open their own channels on it.
*/
type Dialer struct {
	Connection *amqp091.Connection
}

/*
NewDialer connects to the RabbitMQ at url.
*/
func NewDialer(url string) (Dialer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return Dialer{}, fmt.Errorf("cannot connect to RabbitMQ: %w", err)
	}

	return Dialer{
		Connection: conn,
	}, nil
}

/*
OpenChannel opens a unique channel and puts it into a confirm mode, which allow
waiting for ACK or NACK from the server.
*/
func OpenChannel(conn *amqp091.Connection) (*amqp091.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("cannot open a RabbitMQ channel: %w", err)
	}

	err = ch.Confirm(false)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("cannot put channel into confirm mode: %w", err)
	}

	return ch, nil
}

/*
DeclareExchange declares a durable topic exchange.
*/
func DeclareExchange(ch *amqp091.Channel, name string) error {
	err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("cannot declare exchange %q: %w", name, err)
	}
	return nil
}

/*
DeclareAndBindQueue declares a private queue, deleted together with the
consumer connection, and binds it to the exchange for each topic.  The server
generated queue name is returned.
*/
func DeclareAndBindQueue(ch *amqp091.Channel, exchange string, topics []string) (string, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("cannot create queue: %w", err)
	}

	for _, topic := range topics {
		err = ch.QueueBind(q.Name, topic, exchange, false, nil)
		if err != nil {
			return "", fmt.Errorf("cannot bind %q queue to %q: %w", q.Name, topic, err)
		}
	}
	return q.Name, nil
}

/*
Release closes the connection together with all of its channels.
*/
func (d Dialer) Release() error {
	return d.Connection.Close()
}
