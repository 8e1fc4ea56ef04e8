package event

import (
	"encoding/json"
	"fmt"
)

/*
Action is a domain of possible event types exchanged over the WebSocket.
*/
type Action int

const (
	// Events that can be sent only by the server.
	ActionPing Action = iota
	ActionSubscribed
	ActionError
	ActionData
	// Events that can be sent only by the clients.
	ActionPong
	ActionSubscribe
	ActionUnsubscribe
	ActionChat
)

/*
ExternalEvent represents an event exchanged between the server and WebSocket
clients.  Id is the client chosen operation id which correlates subscription
frames.
*/
type ExternalEvent struct {
	Payload json.RawMessage `json:"p,omitempty"`
	Id      string          `json:"id,omitempty"`
	Action  Action          `json:"a"`
}

/*
Subscribe is the payload of the ActionSubscribe event.
*/
type Subscribe struct {
	Variables     map[string]any `json:"v"`
	OperationName string         `json:"op"`
}

/*
Chat is the payload of the ActionChat event.
*/
type Chat struct {
	Room        string `json:"room"`
	Text        string `json:"text"`
	AccessToken string `json:"accessToken"`
}

/*
Error is the payload of the ActionError event.
*/
type Error struct {
	Message string `json:"message"`
}

/*
EncodeOrPanic is a helper function to encode a JSON payload on the fly skipping
the error check.  If the error occurs, the panic will be arised.
*/
func EncodeOrPanic(v any) []byte {
	p, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("cannot encode payload %v: %s", v, err))
	}
	return p
}
