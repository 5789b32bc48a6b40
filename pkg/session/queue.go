package session

import (
	"log/slog"

	"github.com/a-essam23/livememo/pkg/protocol"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/google/uuid"
)

// Enqueue places op at the session's serialization point. The returned
// channel yields exactly one Result.
func (s *Session) Enqueue(op state.Operation) (<-chan Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == state.Destroyed {
		return nil, ErrDestroyed
	}
	if _, ok := s.presence.Get(op.Origin); !ok {
		return nil, state.UnknownConnection("operation from a connection that is not attached")
	}
	// an edit is a sign of life like a heartbeat
	s.presence.Heartbeat(op.Origin)
	q := &queued{op: op, result: make(chan Result, 1)}
	s.queue = append(s.queue, q)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return q.result, nil
}

// Pending returns connID's operations that are queued but not processed.
func (s *Session) Pending(connID uuid.UUID) []state.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []state.Operation
	for _, q := range s.queue {
		if q.op.Origin == connID {
			out = append(out, q.op)
		}
	}
	return out
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for s.processNext() {
		}
	}
}

// processNext applies the head of the queue. The ack, the broadcast and
// the rejection are all sent under the session lock so every connection
// sees frames in version order.
func (s *Session) processNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.lifecycle == state.Destroyed {
		return false
	}
	q := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	origin := q.op.Origin
	p, ok := s.presence.Get(origin)
	if !ok {
		q.result <- Result{Err: state.Disconnected("connection closed before the operation was processed")}
		return true
	}

	before := s.rec.Version()
	applied, err := s.rec.Apply(q.op, p.Role)
	if err != nil {
		s.presence.Send(origin, protocol.MustEncode(protocol.EventOpRejected, protocol.Rejected(q.op.ID, err)))
		s.logger.Debug("Operation rejected",
			slog.String("opID", q.op.ID),
			slog.String("connID", origin.String()),
			slog.Any("error", err),
		)
		q.result <- Result{Err: err}
		return true
	}

	payload := protocol.Applied(applied)
	s.presence.Send(origin, protocol.MustEncode(protocol.EventOpAck, payload))
	if applied.Version > before {
		s.dirty = true
		s.presence.Broadcast(origin, protocol.MustEncode(protocol.EventOpApplied, payload))
	}
	q.result <- Result{Applied: applied}
	return true
}
