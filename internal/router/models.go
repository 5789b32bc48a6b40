package router

import (
	"context"

	"github.com/a-essam23/livememo/pkg/protocol"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/google/uuid"
)

// Handler serves one client event.
type Handler func(ctx *Context) error

// Context carries one inbound frame and its origin.
type Context struct {
	context.Context
	ConnID  uuid.UUID
	Peer    state.Peer
	Event   string
	Payload []byte
}

// Reply sends a frame to the origin connection.
func (c *Context) Reply(event string, payload any) {
	c.Peer.Send(protocol.MustEncode(event, payload))
}

func (c *Context) Error(code, reason string) {
	c.Reply(protocol.EventError, protocol.ErrorPayload{Code: code, Reason: reason})
}
