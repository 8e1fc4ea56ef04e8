/*
Package mq containts helper functions to make the work with RabbitMQ easier.
*/
package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// PublishTimeout bounds a single publish.
const PublishTimeout = 5 * time.Second

/*
Publisher is the subset of [amqp091.Channel] used to publish events.
*/
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

/*
Consume consumes events from the queue with the specified name.  It blocks
until the channel is closed or the done channel is closed.  Each event body is
passed to handle and acknowledged afterwards.
*/
func Consume(ch *amqp091.Channel, name string, done <-chan struct{}, handle func([]byte)) error {
	events, err := ch.Consume(name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("cannot consume queue %q: %w", name, err)
	}

	for {
		select {
		case <-done:
			return nil
		case d, ok := <-events:
			if !ok {
				return nil
			}
			handle(d.Body)
			// Acknowledge the recieved event.
			d.Ack(false)
		}
	}
}

/*
Publish publishes an event to the exchange with the specified routing key.
Waits up to [PublishTimeout] for the event to be published.
*/
func Publish(ctx context.Context, p Publisher, exchange, key string, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	err := p.PublishWithContext(
		ctx,
		exchange,
		key,
		false,
		false,
		amqp091.Publishing{
			Body:        raw,
			ContentType: "application/json",
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("cannot publish a message: %w", err)
	}
	return nil
}
