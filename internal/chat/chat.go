/*
Package chat posts messages to show rooms.  Messages are not stored: they are
published on the bus and reach the subscribers of the room's messages.
*/
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/treepeck/showchat/internal/subscription"
	"github.com/treepeck/showchat/pkg/types"
)

// MaxTextLength bounds the number of characters in a message.
const MaxTextLength = 500

var (
	ErrUnauthorized   = errors.New("a valid access token is required to chat")
	ErrInvalidMessage = errors.New("message must have a room and 1 to 500 characters of text")
	ErrNotDelivered   = errors.New("message was not delivered, please retry")
)

type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
}

type Service struct {
	verifier Verifier
	bus      Bus
	now      func() time.Time
	log      zerolog.Logger
}

func NewService(verifier Verifier, bus Bus, log zerolog.Logger) *Service {
	return &Service{
		verifier: verifier,
		bus:      bus,
		now:      time.Now,
		log:      log.With().Str("component", "chat").Logger(),
	}
}

/*
Post publishes the message of the token's identity to the room.  Only the
package errors are returned so that they can be shown to the client; causes
are logged.
*/
func (s *Service) Post(ctx context.Context, token, room, text string) (types.ChatMessage, error) {
	author, err := s.verifier.Verify(ctx, token)
	if err != nil {
		s.log.Debug().Err(err).Str("room", room).Msg("chat rejected, no identity")
		return types.ChatMessage{}, ErrUnauthorized
	}

	text = strings.TrimSpace(text)
	if room == "" || text == "" || utf8.RuneCountInString(text) > MaxTextLength {
		return types.ChatMessage{}, ErrInvalidMessage
	}

	m := types.ChatMessage{
		Id:        uuid.NewString(),
		Room:      room,
		Author:    author,
		Text:      text,
		CreatedAt: s.now().UTC(),
	}
	if err := s.bus.Publish(ctx, subscription.TopicMessageAdded, m); err != nil {
		s.log.Warn().Err(err).Str("room", room).Msg("message not published")
		return types.ChatMessage{}, ErrNotDelivered
	}

	s.log.Debug().Str("room", room).Str("author", author).Msg("message posted")
	return m, nil
}
