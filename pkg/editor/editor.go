// Package editor models a client's local view of a live memo as immutable
// state plus transition functions. Each transition returns a new State and
// never mutates its receiver.
package editor

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/a-essam23/livememo/pkg/ot"
	"github.com/a-essam23/livememo/pkg/protocol"
	"github.com/a-essam23/livememo/pkg/state"
)

var (
	ErrResyncing      = errors.New("waiting for a fresh snapshot")
	ErrUnexpectedAck  = errors.New("acknowledgement does not match the in-flight operation")
	ErrVersionGap     = errors.New("missed an operation")
	ErrNothingToFlush = errors.New("nothing to send")
)

// Pending is an operation sent to the server and not yet acknowledged.
type Pending struct {
	ID          string
	BaseVersion int
	Change      ot.Change
}

// State is the client's editor snapshot. Acked is the server-confirmed
// content at Version; the user sees Acked with Inflight and Buffer applied.
type State struct {
	DocumentID  string
	Acked       string
	Version     int
	Inflight    *Pending
	Buffer      []ot.Change
	NeedsResync bool
}

// New starts from a server snapshot.
func New(snap state.Snapshot) State {
	return State{DocumentID: snap.DocumentID, Acked: snap.Content, Version: snap.Version}
}

// View is the text the user sees.
func (s State) View() (string, error) {
	changes := make([]ot.Change, 0, len(s.Buffer)+1)
	if s.Inflight != nil {
		changes = append(changes, s.Inflight.Change)
	}
	changes = append(changes, s.Buffer...)
	return ot.ApplyAll(s.Acked, changes...)
}

// HasPending reports whether local edits are unconfirmed.
func (s State) HasPending() bool {
	return s.Inflight != nil || len(s.Buffer) > 0
}

// Edit records a local change made against the current view.
func (s State) Edit(c ot.Change) (State, error) {
	if s.NeedsResync {
		return s, ErrResyncing
	}
	view, err := s.View()
	if err != nil {
		return s, err
	}
	if err := c.Validate(utf8.RuneCountInString(view)); err != nil {
		return s, err
	}
	if c.IsNoop() {
		return s, nil
	}
	next := s
	next.Buffer = append(append([]ot.Change(nil), s.Buffer...), c)
	return next, nil
}

// Flush moves the oldest buffered change in flight. Only one operation is
// in flight at a time.
func (s State) Flush(id string) (State, Pending, error) {
	if s.NeedsResync {
		return s, Pending{}, ErrResyncing
	}
	if s.Inflight != nil || len(s.Buffer) == 0 {
		return s, Pending{}, ErrNothingToFlush
	}
	p := Pending{ID: id, BaseVersion: s.Version, Change: s.Buffer[0]}
	next := s
	next.Inflight = &p
	next.Buffer = append([]ot.Change(nil), s.Buffer[1:]...)
	return next, p, nil
}

// Ack confirms the in-flight operation with the server's finalized change.
// While waiting for a snapshot, an ack for a change dropped locally still
// advances the acknowledged text.
func (s State) Ack(a protocol.AppliedPayload) (State, error) {
	if s.Inflight == nil || s.Inflight.ID != a.ID {
		if s.NeedsResync {
			return s.Remote(a)
		}
		return s, ErrUnexpectedAck
	}
	if a.Version != s.Version+1 {
		return s.resync(), fmt.Errorf("%w: at v%d, ack for v%d", ErrVersionGap, s.Version, a.Version)
	}
	acked, err := ot.Apply(s.Acked, a.Change)
	if err != nil {
		return s.resync(), err
	}
	next := s
	next.Acked = acked
	next.Version = a.Version
	next.Inflight = nil
	return next, nil
}

// Remote applies another client's operation and rebases local pending
// changes over it. Operations at or below the current version are ignored.
func (s State) Remote(a protocol.AppliedPayload) (State, error) {
	if a.Version <= s.Version {
		return s, nil
	}
	if a.Version != s.Version+1 {
		return s.resync(), fmt.Errorf("%w: at v%d, got v%d", ErrVersionGap, s.Version, a.Version)
	}
	acked, err := ot.Apply(s.Acked, a.Change)
	if err != nil {
		return s.resync(), err
	}

	next := s
	next.Acked = acked
	next.Version = a.Version
	if s.NeedsResync || !s.HasPending() {
		return next, nil
	}

	// the remote change was applied first, so it wins ties against every
	// pending change; carry it forward through the pending chain
	remote := a.Change
	if s.Inflight != nil {
		rebased, err := ot.Transform(s.Inflight.Change, remote)
		if err != nil {
			return next.resync(), nil
		}
		inflight := *s.Inflight
		inflight.Change = rebased
		next.Inflight = &inflight
		if remote, err = ot.TransformYielding(remote, s.Inflight.Change); err != nil {
			// the server can still accept the in-flight change
			next.Buffer = nil
			next.NeedsResync = true
			return next, nil
		}
	}
	buffer := make([]ot.Change, len(s.Buffer))
	for i, c := range s.Buffer {
		rebased, err := ot.Transform(c, remote)
		if err == nil {
			remote, err = ot.TransformYielding(remote, c)
		}
		if err != nil {
			next.Buffer = nil
			next.NeedsResync = true
			return next, nil
		}
		buffer[i] = rebased
	}
	next.Buffer = buffer
	return next, nil
}

// Reject handles op.rejected for the in-flight operation. Buffered changes
// were made on top of it, so they are dropped too.
func (s State) Reject(p protocol.RejectedPayload) State {
	if s.Inflight == nil || (p.ID != "" && p.ID != s.Inflight.ID) {
		return s
	}
	next := s
	next.Inflight = nil
	next.Buffer = nil
	if p.Resync {
		next.NeedsResync = true
	}
	return next
}

// Resync replaces the acknowledged state with a fresh snapshot. Snapshots
// older than what the client already has are ignored.
func (s State) Resync(snap state.Snapshot) State {
	if snap.Version < s.Version {
		return s
	}
	return New(snap)
}

// Reset discards every unconfirmed change, as on a dropped connection.
// Pending edits are never replayed after reconnecting.
func (s State) Reset() State {
	next := s
	next.Inflight = nil
	next.Buffer = nil
	return next
}

func (s State) resync() State {
	next := s
	next.Inflight = nil
	next.Buffer = nil
	next.NeedsResync = true
	return next
}
