package mq

import (
	"encoding/json"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/treepeck/showchat/internal/subscription"
	"github.com/treepeck/showchat/pkg/mq"
)

/*
Dispatcher delivers a message to the local subscribers.
*/
type Dispatcher interface {
	Dispatch(msg subscription.Message)
}

/*
Relay feeds the messages published by every gateway process into the local
subscription manager.
*/
type Relay struct {
	ch       *amqp091.Channel
	exchange string
	topics   []string
	local    Dispatcher
	log      zerolog.Logger
}

func NewRelay(ch *amqp091.Channel, exchange string, topics []string, local Dispatcher, log zerolog.Logger) *Relay {
	return &Relay{
		ch:       ch,
		exchange: exchange,
		topics:   topics,
		local:    local,
		log:      log.With().Str("component", "mq-relay").Logger(),
	}
}

/*
Run declares the relay queue and consumes it until done is closed or the
channel is closed by the server.
*/
func (r *Relay) Run(done <-chan struct{}) error {
	queue, err := DeclareAndBindQueue(r.ch, r.exchange, r.topics)
	if err != nil {
		return err
	}

	r.log.Info().Str("queue", queue).Strs("topics", r.topics).Msg("relay started")
	return mq.Consume(r.ch, queue, done, r.Handle)
}

/*
Handle decodes a single event body and dispatches it.  Malformed events are
logged and dropped.
*/
func (r *Relay) Handle(raw []byte) {
	var msg subscription.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Warn().Err(err).Msg("malformed event dropped")
		return
	}
	if msg.Topic == "" {
		r.log.Warn().Msg("event without topic dropped")
		return
	}

	r.local.Dispatch(msg)
}
