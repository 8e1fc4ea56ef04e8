/*
Package ws exposes the subscription transport over WebSocket connections.
*/
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/treepeck/showchat/internal/subscription"
	"github.com/treepeck/showchat/pkg/types"
)

/*
Poster posts chat messages on behalf of the token's identity.
*/
type Poster interface {
	Post(ctx context.Context, token, room, text string) (types.ChatMessage, error)
}

/*
Server upgrades HTTP requests and serves the event protocol on each connection.
Subscriptions are started through the transport, so every subscription of a
closed connection is unsubscribed through it as well.
*/
type Server struct {
	transport subscription.Transport
	chat      Poster
	upgrader  websocket.Upgrader
	mu        sync.Mutex
	clients   map[*client]struct{}
	wg        sync.WaitGroup
	log       zerolog.Logger
}

/*
NewServer creates a server.  A nil chat poster disables the chat action.
*/
func NewServer(transport subscription.Transport, chat Poster, allowedOrigins []string, log zerolog.Logger) *Server {
	return &Server{
		transport: transport,
		chat:      chat,
		upgrader:  newUpgrader(allowedOrigins),
		clients:   make(map[*client]struct{}),
		log:       log.With().Str("component", "ws").Logger(),
	}
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	log := s.log.With().Str("remote", r.RemoteAddr).Logger()
	c := newClient(context.WithoutCancel(r.Context()), s, conn, log)

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.read()
	}()
	go func() {
		defer s.wg.Done()
		c.write()
	}()

	log.Debug().Msg("client registered")
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	c.log.Debug().Msg("client unregistered")
}

/*
Len returns the number of connected clients.
*/
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

/*
Close disconnects every client and waits until their subscriptions are ended.
*/
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.clients {
		c.close()
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}
