/*
Package subscription implements the in-process publish/subscribe transport the
WebSocket layer talks to.  A subscription is started for a named operation with
a bag of variables and receives every payload published on the operation's
topic that matches its filter.
*/
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnknownOperation is returned when no trigger is declared for the
	// requested operation name.
	ErrUnknownOperation = errors.New("unknown subscription operation")
	// ErrMissingVariable is returned when a room filtered operation is started
	// without the room variable.
	ErrMissingVariable = errors.New("missing subscription variable")
)

/*
Handle identifies an established subscription.  It is assigned by the transport
and must be passed back to Unsubscribe.
*/
type Handle string

/*
Variables is the JSON bag that accompanies a subscribe request.
*/
type Variables map[string]any

/*
String returns the variable under key if it holds a string, or an empty string
otherwise.  Numbers are formatted so that ids sent as JSON numbers still match.
*/
func (v Variables) String(key string) string {
	switch val := v[key].(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case fmt.Stringer:
		return val.String()
	default:
		return ""
	}
}

/*
Request holds the subscribe arguments.  Deliver receives the encoded payload of
each matching message.  It is called from publisher goroutines and must not
block.
*/
type Request struct {
	Variables     Variables
	Deliver       func(raw []byte)
	OperationName string
}

/*
Transport is the subscribe/unsubscribe contract shared by the Manager and every
decorator stacked on top of it.
*/
type Transport interface {
	Subscribe(ctx context.Context, req Request) (Handle, error)
	Unsubscribe(ctx context.Context, h Handle) error
}

/*
HandleChecker is implemented by transports that can report whether a handle
still refers to a live subscription.  Decorators use it to detect a handle that was
unsubscribed before its Subscribe call returned.
*/
type HandleChecker interface {
	Active(h Handle) bool
}
