// Package remote defines the narrow contract between the sync coordinator
// and the remote CRUD service, plus an HTTP JSON implementation.
package remote

import (
	"context"
	"encoding/json"
)

// Request is one transmission of a queued mutation. SyncID carries the
// record id as an idempotency token so the remote can recognize a
// retransmission whose reply was lost.
type Request struct {
	// Endpoint is the logical target name (or absolute URL). Not sent.
	Endpoint string `json:"-"`

	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	SyncID    string          `json:"syncId"`
	Source    string          `json:"source,omitempty"`
}

// Response is the remote's reply. A missing success field counts as an ack.
type Response struct {
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Acked reports whether the response acknowledges the request
// (anything except an explicit success:false).
func (r Response) Acked() bool {
	return r.Success == nil || *r.Success
}

// Endpoint sends requests to the remote service.
//
// Implementations classify failures: timeouts and connection failures as
// model.CodeTransientNetwork, explicit rejections as model.CodePermanentRemote.
type Endpoint interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, req Request) (Response, error)

// Send calls f.
func (f EndpointFunc) Send(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Ack returns a response with success:true.
func Ack() Response {
	ok := true
	return Response{Success: &ok}
}

// Reject returns a response with success:false and the given message.
func Reject(msg string) Response {
	ok := false
	return Response{Success: &ok, Error: msg}
}
