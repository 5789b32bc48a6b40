package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/a-essam23/livememo/pkg/protocol"
	"github.com/a-essam23/livememo/pkg/state"
)

func (r *EventRouter) handleOp(ctx *Context) error {
	var p protocol.OpPayload
	if err := json.Unmarshal(ctx.Payload, &p); err != nil {
		ctx.Reply(protocol.EventOpRejected, protocol.Rejected(p.ID, state.InvalidOperation("malformed operation")))
		return fmt.Errorf("decode op: %w", err)
	}
	op := state.Operation{ID: p.ID, Origin: ctx.ConnID, BaseVersion: p.BaseVersion, Change: p.Change}
	_, err := r.stateManager.SendOperation(ctx, op)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, state.ErrUnknownConnection), errors.Is(err, state.ErrTransportDisconnected):
		// never reached the session, so nobody answered it
		ctx.Reply(protocol.EventOpRejected, protocol.Rejected(p.ID, err))
	}
	// the session already sent op.rejected
	return err
}

func (r *EventRouter) handleCursor(ctx *Context) error {
	var p protocol.CursorPayload
	if err := json.Unmarshal(ctx.Payload, &p); err != nil {
		ctx.Error(protocol.CodeBadFrame, "malformed cursor")
		return fmt.Errorf("decode cursor: %w", err)
	}
	if err := r.stateManager.SendCursor(ctx.ConnID, p.Cursor); err != nil {
		ctx.Error(state.AsRejected(err).Code, err.Error())
		return err
	}
	return nil
}

func (r *EventRouter) handleHeartbeat(ctx *Context) error {
	if err := r.stateManager.Heartbeat(ctx.ConnID); err != nil {
		ctx.Error(state.AsRejected(err).Code, err.Error())
		return err
	}
	return nil
}

func (r *EventRouter) handleResync(ctx *Context) error {
	snap, err := r.stateManager.SnapshotFor(ctx.ConnID)
	if err != nil {
		ctx.Error(state.AsRejected(err).Code, err.Error())
		return err
	}
	ctx.Reply(protocol.EventSessionSnapshot, snap)
	return nil
}

// handleLeave closes the connection cleanly; the transport's close callback
// detaches it from the session.
func (r *EventRouter) handleLeave(ctx *Context) error {
	ctx.Peer.Close(nil)
	return nil
}
