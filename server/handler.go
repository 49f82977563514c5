package server

import (
	"context"
	"encoding/json"

	"comic-rpc/message"
)

// Handler serves the Calls of one pattern. The returned value becomes the
// Response's result; a returned error becomes its err payload.
type Handler interface {
	ServeCall(ctx context.Context, call *message.Call) (any, error)
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(ctx context.Context, call *message.Call) (any, error)

func (f HandlerFunc) ServeCall(ctx context.Context, call *message.Call) (any, error) {
	return f(ctx, call)
}

// Typed adapts a function taking a decoded payload. Absent or null data leaves
// the input at its zero value; undecodable data fails the call with an
// ErrorPayload naming the pattern.
func Typed[In, Out any](fn func(ctx context.Context, in In) (Out, error)) Handler {
	return HandlerFunc(func(ctx context.Context, call *message.Call) (any, error) {
		var in In
		if message.Present(call.Data) {
			if err := json.Unmarshal(call.Data, &in); err != nil {
				return nil, &message.ErrorPayload{Message: "invalid data for " + call.Pattern, Detail: err.Error()}
			}
		}
		return fn(ctx, in)
	})
}

// ControlHandler answers a control envelope. A nil reply sends nothing.
type ControlHandler func(ctx context.Context, ctl *message.Control) (*message.Control, error)
