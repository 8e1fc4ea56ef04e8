package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/treepeck/showchat/internal/metrics"
	"github.com/treepeck/showchat/internal/subscription"
	"github.com/treepeck/showchat/pkg/event"
)

// Connection parameters.
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 7 * time.Second
	// Send pings to peer with this period.  Must be less than pongWait.
	pingPeriod = 3 * time.Second
	// Maximum message size allowed from peer.
	maxMessageSize = 4096
	// Capacity of the outbound buffer.
	sendBufferSize = 192
)

/*
client manages the connection lifecycle and the subscriptions started over it.

The reason for the send channel is that events must be read and written
sequentially, since the Gorilla WebSocket library allows only one concurrent
writer to a connection at a time.
*/
type client struct {
	ctx       context.Context
	server    *Server
	conn      *websocket.Conn
	// send recieves the encoded events that the client will write to the
	// connection.  It is never closed: done signals the shutdown instead, so
	// that late deliveries from publishers cannot panic.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// subs maps the client chosen operation ids to subscription handles.  It is
	// only accessed by the read goroutine.
	subs map[string]subscription.Handle
	log  zerolog.Logger
	// Unix nano timestamp when the last ping event was sent to measure the
	// network delay.
	pingTimestamp atomic.Int64
	// Network delay in milliseconds.
	delay atomic.Int64
	// New ping event must be sent only when the client responses to the
	// previous one.  Otherwise the delay cannot be correctly measured.
	awaitingPong atomic.Bool
}

func newClient(ctx context.Context, s *Server, conn *websocket.Conn, log zerolog.Logger) *client {
	c := &client{
		ctx:    ctx,
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		subs:   make(map[string]subscription.Handle),
		log:    log,
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	return c
}

/*
read reads and handles events from the connection sequentially (one at a time).
If an event cannot be read or has an unknown action, the connection will be
interrupted.
*/
func (c *client) read() {
	defer c.cleanup()

	for {
		var e event.ExternalEvent
		if err := c.conn.ReadJSON(&e); err != nil {
			return
		}

		switch e.Action {
		case event.ActionPong:
			c.handlePong()

		case event.ActionSubscribe:
			c.handleSubscribe(e)

		case event.ActionUnsubscribe:
			c.handleUnsubscribe(e)

		case event.ActionChat:
			c.handleChat(e)

		// Close the connection if the client sends the malformed event.
		default:
			return
		}
	}
}

/*
write takes the incomming events from the send channel and writes them to the
connection sequentially (one at a time).

Automatically sends ping events to maintain a hearbeat.
*/
func (c *client) write() {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return

		case raw := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.conn.Close()
				return
			}

		// Send ping messages periodically.
		case <-pingTicker.C:
			// Send a new ping event only if the client has already ansered to
			// the prevous one.
			if c.awaitingPong.Load() {
				continue
			}

			now := time.Now()
			c.conn.SetWriteDeadline(now.Add(writeWait))
			c.pingTimestamp.Store(now.UnixNano())

			if err := c.conn.WriteJSON(event.ExternalEvent{
				Action:  event.ActionPing,
				Payload: json.RawMessage(strconv.FormatInt(c.delay.Load(), 10)),
			}); err != nil {
				c.conn.Close()
				return
			}
			c.awaitingPong.Store(true)
		}
	}
}

/*
handlePong handles the incomming pong messages to maintain a heartbeat.

Sending ping and pong messages is necessary because without it the connections
are interrupted after about 2 minutes of no message sending from the client.
*/
func (c *client) handlePong() {
	// Handle pong events only when the client has a pending ping event.
	if !c.awaitingPong.CompareAndSwap(true, false) {
		return
	}
	sent := time.Unix(0, c.pingTimestamp.Load())
	c.delay.Store(time.Since(sent).Milliseconds())
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
}

func (c *client) handleSubscribe(e event.ExternalEvent) {
	if e.Id == "" {
		c.sendError("", "operation id is required")
		return
	}
	if _, exists := c.subs[e.Id]; exists {
		c.sendError(e.Id, "operation id is already in use")
		return
	}

	var p event.Subscribe
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		c.sendError(e.Id, "malformed subscribe payload")
		return
	}

	opId := e.Id
	h, err := c.server.transport.Subscribe(c.ctx, subscription.Request{
		OperationName: p.OperationName,
		Variables:     subscription.Variables(p.Variables),
		Deliver: func(raw []byte) {
			c.enqueue(event.EncodeOrPanic(event.ExternalEvent{
				Action:  event.ActionData,
				Id:      opId,
				Payload: raw,
			}))
		},
	})
	if err != nil {
		c.sendError(e.Id, err.Error())
		return
	}

	c.subs[e.Id] = h
	c.enqueue(event.EncodeOrPanic(event.ExternalEvent{Action: event.ActionSubscribed, Id: e.Id}))
}

func (c *client) handleUnsubscribe(e event.ExternalEvent) {
	h, exists := c.subs[e.Id]
	if !exists {
		c.sendError(e.Id, "unknown operation id")
		return
	}

	if err := c.server.transport.Unsubscribe(c.ctx, h); err != nil {
		c.log.Warn().Err(err).Str("handle", string(h)).Msg("unsubscribe failed")
		c.sendError(e.Id, "unsubscribe failed, please retry")
		return
	}
	delete(c.subs, e.Id)
}

func (c *client) handleChat(e event.ExternalEvent) {
	if c.server.chat == nil {
		c.sendError(e.Id, "chat is not available")
		return
	}

	var p event.Chat
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		c.sendError(e.Id, "malformed chat payload")
		return
	}

	m, err := c.server.chat.Post(c.ctx, p.AccessToken, p.Room, p.Text)
	if err != nil {
		c.sendError(e.Id, err.Error())
		return
	}

	c.enqueue(event.EncodeOrPanic(event.ExternalEvent{
		Action:  event.ActionData,
		Id:      e.Id,
		Payload: event.EncodeOrPanic(m),
	}))
}

func (c *client) sendError(id, msg string) {
	c.enqueue(event.EncodeOrPanic(event.ExternalEvent{
		Action:  event.ActionError,
		Id:      id,
		Payload: event.EncodeOrPanic(event.Error{Message: msg}),
	}))
}

/*
enqueue buffers the event without blocking.  A full buffer drops the event.
*/
func (c *client) enqueue(raw []byte) {
	select {
	case <-c.done:
	case c.send <- raw:
	default:
		metrics.DroppedFrames.Inc()
		c.log.Warn().Msg("send buffer full, event dropped")
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

/*
cleanup closes the connection, ends every subscription started over it and
unregisters the client from the server.
*/
func (c *client) cleanup() {
	c.close()
	c.conn.Close()

	for id, h := range c.subs {
		if err := c.server.transport.Unsubscribe(c.ctx, h); err != nil {
			c.log.Warn().Err(err).Str("handle", string(h)).Msg("unsubscribe on close failed")
		}
		delete(c.subs, id)
	}

	c.server.unregister(c)
}
