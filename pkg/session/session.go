// Package session holds the coordination state of one collaboratively edited
// document: its presence registry, its reconciler and the operation queue
// that serializes edits.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/livememo/pkg/presence"
	"github.com/a-essam23/livememo/pkg/protocol"
	"github.com/a-essam23/livememo/pkg/reconciler"
	"github.com/a-essam23/livememo/pkg/sharing"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/google/uuid"
)

// ErrDestroyed is returned when a caller races a session's teardown. The
// caller should look the document up again.
var ErrDestroyed = errors.New("session destroyed")

// Timer is the part of *time.Timer the grace period needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func RealAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Options struct {
	HistoryLimit int
	GracePeriod  time.Duration
	// ResumeWindow bounds how long a departed presence can be resumed.
	ResumeWindow time.Duration
	AfterFunc    AfterFunc
	Now          func() time.Time
	// OnGraceExpired is called from the timer goroutine with the generation
	// that armed it.
	OnGraceExpired func(s *Session, generation uint64)
}

type Result struct {
	Applied state.Applied
	Err     error
}

type queued struct {
	op     state.Operation
	result chan Result
}

type Session struct {
	DocumentID string

	mu         sync.Mutex
	lifecycle  state.Lifecycle
	refCount   int
	settings   sharing.Settings
	mode       state.PermissionMode
	presence   *presence.Registry
	rec        *reconciler.Reconciler
	departed   map[uuid.UUID]state.ClientPresence
	queue      []*queued
	dirty      bool
	grace      Timer
	generation uint64

	wake chan struct{}
	done chan struct{}
	opts Options

	logger *slog.Logger
}

// New creates an Active session over a loaded snapshot and starts its worker.
// The session starts with refCount 0; the first Attach brings it to 1.
func New(snap state.Snapshot, settings sharing.Settings, opts Options, logger *slog.Logger) *Session {
	s := newSession(snap, settings, opts, logger)
	go s.run()
	return s
}

func newSession(snap state.Snapshot, settings sharing.Settings, opts Options, logger *slog.Logger) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = RealAfterFunc
	}
	s := &Session{
		DocumentID: snap.DocumentID,
		lifecycle:  state.Active,
		settings:   settings,
		mode:       sharing.PermissionModeOf(settings),
		presence:   presence.NewRegistryWithClock(opts.Now),
		rec:        reconciler.New(snap.DocumentID, snap.Content, snap.Version, opts.HistoryLimit),
		departed:   make(map[uuid.UUID]state.ClientPresence),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		opts:       opts,
		logger:     logger.With(slog.String("documentID", snap.DocumentID)),
	}
	return s
}

func (s *Session) Lifecycle() state.Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

func (s *Session) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}

func (s *Session) PermissionMode() state.PermissionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) Snapshot() state.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Snapshot()
}

func (s *Session) Presence() []state.ClientPresence {
	return s.presence.Snapshot()
}

func (s *Session) PresenceOf(connID uuid.UUID) (state.ClientPresence, bool) {
	return s.presence.Get(connID)
}

func (s *Session) Peer(connID uuid.UUID) (state.Peer, bool) {
	return s.presence.Peer(connID)
}

// Attach registers peer, sends it the session.joined frame and announces it
// to everyone else. A Draining session becomes Active again.
func (s *Session) Attach(who state.Identity, role state.Role, peer state.Peer, ticket string) (*state.JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == state.Destroyed {
		return nil, ErrDestroyed
	}
	s.activate()

	p := s.presence.Join(who.UserID, who.DisplayName, role, peer)
	s.refCount++
	result := s.joinResult(p, ticket, false)
	peer.Send(protocol.MustEncode(protocol.EventSessionJoined, result))
	s.presence.Broadcast(p.ConnectionID, protocol.MustEncode(protocol.EventPresenceJoined, p))

	s.logger.Debug("Connection attached",
		slog.String("connID", p.ConnectionID.String()),
		slog.String("role", string(role)),
		slog.Int("refCount", s.refCount),
	)
	return result, nil
}

// Resume attaches peer in place of previous. If previous is still registered
// its entry moves to the new connection, the refcount is unchanged and the
// replaced peer is returned for the caller to close. If previous departed
// recently its identity and cursor are restored. The bool is false when
// there is nothing to resume.
func (s *Session) Resume(previous uuid.UUID, who state.Identity, role state.Role, peer state.Peer, ticket string) (*state.JoinResult, state.Peer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == state.Destroyed {
		return nil, nil, false, ErrDestroyed
	}

	var (
		p        state.ClientPresence
		replaced state.Peer
	)
	if old, ok := s.presence.Get(previous); ok {
		if old.UserID != who.UserID {
			return nil, nil, false, nil
		}
		replaced, _ = s.presence.Peer(previous)
		var err error
		if p, err = s.presence.Replace(previous, peer); err != nil {
			return nil, nil, false, nil
		}
		s.purge(previous)
	} else if gone, ok := s.departed[previous]; ok && gone.UserID == who.UserID {
		delete(s.departed, previous)
		s.activate()
		p = s.presence.Join(who.UserID, gone.DisplayName, role, peer)
		if gone.Cursor != nil {
			p, _ = s.presence.UpdateCursor(p.ConnectionID, gone.Cursor)
		}
		s.refCount++
	} else {
		return nil, nil, false, nil
	}
	if p.Role != role {
		s.presence.SetRole(p.ConnectionID, role)
		p.Role = role
	}

	result := s.joinResult(p, ticket, true)
	peer.Send(protocol.MustEncode(protocol.EventSessionJoined, result))
	s.presence.Broadcast(p.ConnectionID, protocol.MustEncode(protocol.EventPresenceResumed, protocol.PresenceResumedPayload{
		PreviousConnectionID: previous,
		Presence:             p,
	}))
	s.logger.Debug("Connection resumed",
		slog.String("connID", p.ConnectionID.String()),
		slog.String("previousConnID", previous.String()),
		slog.Int("refCount", s.refCount),
	)
	return result, replaced, true, nil
}

func (s *Session) activate() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.generation++
	s.lifecycle = state.Active
}

func (s *Session) joinResult(p state.ClientPresence, ticket string, resumed bool) *state.JoinResult {
	return &state.JoinResult{
		ConnectionID:    p.ConnectionID,
		Role:            p.Role,
		PermissionMode:  s.mode,
		Snapshot:        s.rec.Snapshot(),
		Presence:        s.presence.Snapshot(),
		ReconnectTicket: ticket,
		Resumed:         resumed,
	}
}

// Detach removes connID, discards its queued operations and announces the
// departure. When the refcount reaches zero the session starts draining.
func (s *Session) Detach(connID uuid.UUID, kind state.CloseKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence.Leave(connID)
	if !ok {
		return state.UnknownConnection("connection is not attached")
	}
	s.purge(connID)
	s.refCount--
	s.remember(p)
	s.presence.Broadcast(connID, protocol.MustEncode(protocol.EventPresenceLeft, protocol.PresenceLeftPayload{
		ConnectionID: connID,
		Reason:       kind.String(),
	}))
	s.logger.Debug("Connection detached",
		slog.String("connID", connID.String()),
		slog.String("kind", kind.String()),
		slog.Int("refCount", s.refCount),
	)

	if s.refCount == 0 && s.lifecycle == state.Active {
		s.lifecycle = state.Draining
		s.generation++
		gen := s.generation
		s.grace = s.opts.AfterFunc(s.opts.GracePeriod, func() {
			if s.opts.OnGraceExpired != nil {
				s.opts.OnGraceExpired(s, gen)
			}
		})
		s.logger.Debug("Session draining", slog.Duration("gracePeriod", s.opts.GracePeriod))
	}
	return nil
}

func (s *Session) remember(p state.ClientPresence) {
	now := s.opts.Now()
	for id, gone := range s.departed {
		if now.Sub(gone.LastSeenAt) > s.opts.ResumeWindow {
			delete(s.departed, id)
		}
	}
	p.LastSeenAt = now
	s.departed[p.ConnectionID] = p
}

// purge drops queued operations of connID and answers them as disconnected.
func (s *Session) purge(connID uuid.UUID) {
	kept := s.queue[:0]
	for _, q := range s.queue {
		if q.op.Origin == connID {
			q.result <- Result{Err: state.Disconnected("connection closed before the operation was processed")}
			continue
		}
		kept = append(kept, q)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
}

// Destroy tears the session down if it is still draining under generation.
// It returns the final snapshot and whether it holds unsaved edits.
func (s *Session) Destroy(generation uint64) (state.Snapshot, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle != state.Draining || s.refCount != 0 || s.generation != generation {
		return state.Snapshot{}, false, false
	}
	return s.destroy()
}

// ForceDestroy tears the session down regardless of its refcount and
// returns the peers still attached.
func (s *Session) ForceDestroy() (state.Snapshot, bool, []state.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == state.Destroyed {
		return state.Snapshot{}, false, nil
	}
	var peers []state.Peer
	for _, p := range s.presence.Snapshot() {
		if peer, ok := s.presence.Peer(p.ConnectionID); ok {
			peers = append(peers, peer)
		}
		s.presence.Leave(p.ConnectionID)
		s.purge(p.ConnectionID)
	}
	s.refCount = 0
	snap, dirty, _ := s.destroy()
	return snap, dirty, peers
}

func (s *Session) destroy() (state.Snapshot, bool, bool) {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.lifecycle = state.Destroyed
	s.departed = nil
	close(s.done)
	s.logger.Debug("Session destroyed", slog.Int("version", s.rec.Version()))
	return s.rec.Snapshot(), s.dirty, true
}

// Generation identifies the current grace period.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Cursor stores and relays a cursor update. No acknowledgement is sent.
func (s *Session) Cursor(connID uuid.UUID, cursor *state.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.presence.UpdateCursor(connID, cursor)
	if err != nil {
		return err
	}
	s.presence.Broadcast(connID, protocol.MustEncode(protocol.EventPresenceCursor, protocol.PresenceCursorPayload{
		ConnectionID: connID,
		Cursor:       p.Cursor,
	}))
	return nil
}

func (s *Session) Heartbeat(connID uuid.UUID) error {
	return s.presence.Heartbeat(connID)
}

// Expired lists connections silent for longer than timeout.
func (s *Session) Expired(timeout time.Duration) []uuid.UUID {
	return s.presence.Expired(s.opts.Now(), timeout)
}

// Send delivers a frame to one connection.
func (s *Session) Send(connID uuid.UUID, msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.Send(connID, msg)
}

// Checkpoint returns the snapshot to persist if there are unsaved edits.
func (s *Session) Checkpoint() (state.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty || s.lifecycle == state.Destroyed {
		return state.Snapshot{}, false
	}
	return s.rec.Snapshot(), true
}

// MarkSaved clears the dirty flag if nothing was applied after version.
func (s *Session) MarkSaved(version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Version() == version {
		s.dirty = false
	}
}

// Revocation names a connection that lost access on a permission refresh.
type Revocation struct {
	ConnectionID uuid.UUID
	Peer         state.Peer
	Reason       string
}

// Refresh recomputes every connection's role from settings. Connections
// whose role changed are told with role.changed; connections that lost
// access are returned for the caller to evict.
func (s *Session) Refresh(settings sharing.Settings) []Revocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.mode = sharing.PermissionModeOf(settings)

	var revoked []Revocation
	for _, p := range s.presence.Snapshot() {
		role, err := sharing.ComputeRole(settings, p.UserID)
		if err != nil {
			if errors.Is(err, state.ErrPermissionDenied) || errors.Is(err, state.ErrSessionNotFound) {
				peer, _ := s.presence.Peer(p.ConnectionID)
				revoked = append(revoked, Revocation{ConnectionID: p.ConnectionID, Peer: peer, Reason: err.Error()})
				continue
			}
			s.logger.Warn("Keeping role after failed recompute", slog.String("connID", p.ConnectionID.String()), slog.Any("error", err))
			continue
		}
		if role == p.Role {
			continue
		}
		s.presence.SetRole(p.ConnectionID, role)
		frame := protocol.MustEncode(protocol.EventRoleChanged, protocol.RoleChangedPayload{
			ConnectionID:   p.ConnectionID,
			Role:           role,
			PermissionMode: s.mode,
		})
		s.presence.Broadcast(uuid.Nil, frame)
		s.logger.Info("Role changed",
			slog.String("connID", p.ConnectionID.String()),
			slog.String("from", string(p.Role)),
			slog.String("to", string(role)),
		)
	}
	return revoked
}
