// Package message defines the messages exchanged between the host process and its workers.
//
// Three shapes travel on a worker channel:
//
//   - Call:     {id, pattern, data, isEvent}   host → worker (or worker → host for events)
//   - Response: {id, response, err}            worker → host, correlated to a Call by id
//   - Control:  {type, data}                   handshake envelope (start-server / server-start-response)
//
// The JSON field names are the wire contract shared with every other process in the
// application. Payloads are kept as json.RawMessage: the protocol layer validates the
// envelope but never interprets data, response, or err.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NoMessageHandler is the err value answered when no handler is registered for a pattern.
const NoMessageHandler = "NO_MESSAGE_HANDLER"

// UnknownID is the fallback id used when a malformed Call carries no usable id.
const UnknownID = "unknown"

// Call carries a single request or event.
//
//   - IsEvent == nil or false: request/reply, exactly one Response is expected.
//   - IsEvent == true:         fire-and-forget, no Response is ever sent.
type Call struct {
	ID      string          `json:"id"`
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data,omitempty"`
	IsEvent *bool           `json:"isEvent"`
}

// Event reports whether the call is fire-and-forget.
func (c *Call) Event() bool {
	return c.IsEvent != nil && *c.IsEvent
}

// Response answers a Call. Exactly one of Response/Err should be set;
// when both are absent the call succeeded with a null result.
type Response struct {
	ID       string          `json:"id"`
	Response json.RawMessage `json:"response,omitempty"`
	Err      json.RawMessage `json:"err,omitempty"`
}

// Failed reports whether the response carries an err payload.
func (r *Response) Failed() bool {
	return Present(r.Err)
}

// Present reports whether a raw payload holds a value. JSON null counts as absent.
func Present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// ErrorPayload is the err representation of handler and validation failures.
// Handlers may return it directly to attach a detail value.
type ErrorPayload struct {
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func (e *ErrorPayload) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("%s (%v)", e.Message, e.Detail)
	}
	return e.Message
}

// NewCall builds a request/reply Call. data is serialized to JSON unless it is already raw.
func NewCall(id, pattern string, data any) (*Call, error) {
	raw, err := Marshal(data)
	if err != nil {
		return nil, err
	}
	isEvent := false
	return &Call{ID: id, Pattern: pattern, Data: raw, IsEvent: &isEvent}, nil
}

// NewEvent builds a fire-and-forget Call.
func NewEvent(id, pattern string, data any) (*Call, error) {
	raw, err := Marshal(data)
	if err != nil {
		return nil, err
	}
	isEvent := true
	return &Call{ID: id, Pattern: pattern, Data: raw, IsEvent: &isEvent}, nil
}

// Result builds a successful Response carrying v.
func Result(id string, v any) (*Response, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Response: raw}, nil
}

// Failure builds a failed Response. Errors are converted to an ErrorPayload;
// any other value is serialized as is.
func Failure(id string, v any) *Response {
	if err, ok := v.(error); ok {
		v = toPayload(err)
	}
	raw, err := Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(&ErrorPayload{Message: err.Error()})
	}
	return &Response{ID: id, Err: raw}
}

// NoHandler builds the Response answered for an unrouted pattern.
func NoHandler(id string) *Response {
	return &Response{ID: id, Err: json.RawMessage(`"` + NoMessageHandler + `"`)}
}

// Marshal serializes v unless it is already raw JSON. A nil value yields a nil payload.
func Marshal(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	case []byte:
		if !json.Valid(val) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return val, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

func toPayload(err error) *ErrorPayload {
	var payload *ErrorPayload
	if errors.As(err, &payload) {
		return payload
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return &ErrorPayload{Message: verr.Error(), Detail: verr.Field}
	}
	return &ErrorPayload{Message: err.Error()}
}
