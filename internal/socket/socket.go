// Package socket defines the event transport used to synchronize stores.
//
// A Socket carries named events with JSON encoded arguments between two
// peers. Handlers registered with On receive the events the peer emits.
package socket

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventDisconnect is delivered locally when the transport goes away.
const EventDisconnect = "disconnect"

// ErrClosed is returned by Emit after the socket is closed.
var ErrClosed = errors.New("socket: closed")

// Socket is one end of a connection.
type Socket interface {
	// ID identifies the connection. It is used to tag writes coming from it.
	ID() string
	// On adds h to the handlers of event.
	On(event string, h Handler)
	// Off removes every handler of event.
	Off(event string)
	// Emit sends event to the peer. Each argument is JSON encoded.
	Emit(event string, args ...any) error
}

// Handler processes one received event.
type Handler func(args Args)

// Args are the JSON encoded arguments of an event.
type Args []json.RawMessage

// EncodeArgs JSON encodes each argument.
func EncodeArgs(args ...any) (Args, error) {
	out := make(Args, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// IsNull reports whether argument i is missing or JSON null.
func (a Args) IsNull(i int) bool {
	return i >= len(a) || string(a[i]) == "null"
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i >= len(a) {
		return fmt.Errorf("missing argument %d", i)
	}
	return json.Unmarshal(a[i], v)
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	var s string
	err := a.Decode(i, &s)
	return s, err
}
