package mq

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/treepeck/showchat/internal/subscription"
	"github.com/treepeck/showchat/pkg/mq"
)

/*
Bus publishes subscription messages to the exchange.  The routing key is the
message topic.
*/
type Bus struct {
	// AMQP channels must not be shared by concurrent publishers.
	mu       sync.Mutex
	ch       mq.Publisher
	exchange string
}

func NewBus(ch mq.Publisher, exchange string) *Bus {
	return &Bus{ch: ch, exchange: exchange}
}

/*
Publish encodes the payload into a [subscription.Message] and publishes it.
*/
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	msg, err := subscription.NewMessage(topic, payload)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return mq.Publish(ctx, b.ch, b.exchange, topic, raw)
}
