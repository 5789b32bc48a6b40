package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/a-essam23/livememo/pkg/config"
	"github.com/a-essam23/livememo/pkg/protocol"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// EventRouter dispatches inbound client frames to the session manager.
type EventRouter struct {
	logger       *slog.Logger
	stateManager state.Manager
	handlers     map[string]Handler
	limit        config.RateLimitConfig

	mu    sync.RWMutex
	conns map[uuid.UUID]*conn
}

type conn struct {
	peer    state.Peer
	limiter *rate.Limiter
}

func NewEventRouter(logger *slog.Logger, stateManager state.Manager, limit config.RateLimitConfig) *EventRouter {
	r := &EventRouter{
		logger:       logger.With(slog.String("component", "event_router")),
		stateManager: stateManager,
		limit:        limit,
		conns:        make(map[uuid.UUID]*conn),
	}
	r.handlers = map[string]Handler{
		protocol.EventOp:        r.handleOp,
		protocol.EventCursor:    r.handleCursor,
		protocol.EventHeartbeat: r.handleHeartbeat,
		protocol.EventResync:    r.handleResync,
		protocol.EventLeave:     r.handleLeave,
	}
	return r
}

// Register makes replies to peer possible. Call it before the peer's first
// frame is read.
func (r *EventRouter) Register(peer state.Peer) {
	c := &conn{peer: peer}
	if r.limit.PerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(r.limit.PerSecond), max(r.limit.Burst, 1))
	}
	r.mu.Lock()
	r.conns[peer.ID()] = c
	r.mu.Unlock()
}

func (r *EventRouter) Forget(connID uuid.UUID) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}

func (r *EventRouter) lookup(connID uuid.UUID) (*conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// HandleMessage is the transport's message callback.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	c, ok := r.lookup(connID)
	if !ok {
		r.logger.Warn("Message from unregistered connection", slog.String("connID", connID.String()))
		return
	}
	hctx := &Context{Context: ctx, ConnID: connID, Peer: c.peer}

	if !gjson.ValidBytes(msg) {
		hctx.Error(protocol.CodeBadFrame, "frame is not valid JSON")
		return
	}
	frame := gjson.ParseBytes(msg)
	event := frame.Get("event").String()
	hctx.Event = event
	hctx.Payload = []byte(frame.Get("payload").Raw)

	handler, ok := r.handlers[event]
	if !ok {
		r.logger.Warn("Received unknown event", slog.String("event", event), slog.String("connID", connID.String()))
		hctx.Error(protocol.CodeUnknownEvent, "unknown event "+event)
		return
	}
	// heartbeats keep the connection alive and are never throttled
	if c.limiter != nil && event != protocol.EventHeartbeat && !c.limiter.Allow() {
		r.logger.Warn("Rate limit exceeded", slog.String("event", event), slog.String("connID", connID.String()))
		if event == protocol.EventOp {
			hctx.Reply(protocol.EventOpRejected, protocol.RejectedPayload{
				ID:     frame.Get("payload.id").String(),
				Code:   protocol.CodeRateLimited,
				Reason: "too many frames",
			})
			return
		}
		hctx.Error(protocol.CodeRateLimited, "too many frames")
		return
	}

	r.logger.Debug("Dispatching event", slog.String("event", event), slog.String("connID", connID.String()))
	if err := handler(hctx); err != nil {
		r.logger.Info("Event handler failed",
			slog.String("event", event),
			slog.String("connID", connID.String()),
			slog.Any("error", err),
		)
	}
}
