package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"comic-rpc/message"
)

// Pending is the handle of a call awaiting its Response.
type Pending struct {
	ID      string
	Pattern string

	client *Client
	timer  *time.Timer
	once   sync.Once
	done   chan struct{}
	resp   *message.Response
	err    error
}

// Done is closed once the call has completed, failed or timed out.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the call's result. It must only be called after Done is closed.
func (p *Pending) Result() (json.RawMessage, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.resp.Response, nil
}

// Wait blocks until the call completes or ctx is done. Giving up on ctx removes
// the pending entry; a Response arriving later is discarded.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		if p.client.remove(p.ID) {
			p.stopTimer()
			p.complete(nil, ctx.Err())
		}
		<-p.done
		return p.Result()
	}
}

func (p *Pending) complete(resp *message.Response, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}

func (p *Pending) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// RemoteError is a Response whose err payload was set by the worker.
type RemoteError struct {
	ID      string
	Pattern string
	Raw     json.RawMessage
}

func (e *RemoteError) Error() string {
	if payload, ok := e.Payload(); ok {
		return fmt.Sprintf("remote error on %s: %s", e.Pattern, payload.Error())
	}
	var s string
	if json.Unmarshal(e.Raw, &s) == nil {
		return fmt.Sprintf("remote error on %s: %s", e.Pattern, s)
	}
	return fmt.Sprintf("remote error on %s: %s", e.Pattern, e.Raw)
}

// IsNoHandler reports whether the worker has no handler for the pattern.
func (e *RemoteError) IsNoHandler() bool {
	var s string
	return json.Unmarshal(e.Raw, &s) == nil && s == message.NoMessageHandler
}

// Payload decodes the err as an ErrorPayload when it has that shape.
func (e *RemoteError) Payload() (*message.ErrorPayload, bool) {
	var payload message.ErrorPayload
	if err := json.Unmarshal(e.Raw, &payload); err != nil || payload.Message == "" {
		return nil, false
	}
	return &payload, true
}
