package statemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/livememo/pkg/protocol"
	"github.com/a-essam23/livememo/pkg/reconnect"
	"github.com/a-essam23/livememo/pkg/session"
	"github.com/a-essam23/livememo/pkg/sharing"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/a-essam23/livememo/pkg/store"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	GracePeriod        time.Duration
	HeartbeatTimeout   time.Duration
	SweepInterval      time.Duration
	CheckpointInterval time.Duration
	ResumeWindow       time.Duration
	HistoryLimit       int
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:        5 * time.Second,
		HeartbeatTimeout:   30 * time.Second,
		SweepInterval:      5 * time.Second,
		CheckpointInterval: 10 * time.Second,
		ResumeWindow:       2 * time.Minute,
		HistoryLimit:       1000,
	}
}

// PresenceObserver receives the full presence list of a document whenever
// membership changes. Publish must not block.
type PresenceObserver interface {
	Publish(documentID string, presence []state.ClientPresence)
}

type Option func(*InMemoryManager)

func WithObserver(o PresenceObserver) Option {
	return func(m *InMemoryManager) { m.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(m *InMemoryManager) { m.now = now }
}

func WithAfterFunc(f session.AfterFunc) Option {
	return func(m *InMemoryManager) { m.afterFunc = f }
}

type loadCall struct {
	done chan struct{}
}

// SessionInfo is a summary of one live session.
type SessionInfo struct {
	DocumentID     string               `json:"documentId"`
	Lifecycle      string               `json:"lifecycle"`
	RefCount       int                  `json:"refCount"`
	Version        int                  `json:"version"`
	PermissionMode state.PermissionMode `json:"permissionMode"`
}

// InMemoryManager keeps one Session per document and routes connections to
// them. Lock order is manager then session.
type InMemoryManager struct {
	sessions map[string]*session.Session
	conns    map[uuid.UUID]*session.Session
	loading  map[string]*loadCall
	flushes  map[string]chan struct{}
	mu       sync.RWMutex

	shares    sharing.Store
	docs      store.DocumentStore
	tickets   *reconnect.Issuer
	observer  PresenceObserver
	cfg       Config
	now       func() time.Time
	afterFunc session.AfterFunc

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger, cfg Config, shares sharing.Store, docs store.DocumentStore, tickets *reconnect.Issuer, opts ...Option) *InMemoryManager {
	m := &InMemoryManager{
		sessions:  make(map[string]*session.Session),
		conns:     make(map[uuid.UUID]*session.Session),
		loading:   make(map[string]*loadCall),
		flushes:   make(map[string]chan struct{}),
		shares:    shares,
		docs:      docs,
		tickets:   tickets,
		cfg:       cfg,
		now:       time.Now,
		afterFunc: session.RealAfterFunc,
		logger:    logger.With(slog.String("component", "state_manager_inmemory")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Session Lifecycle ---

func (m *InMemoryManager) Join(ctx context.Context, documentID string, who state.Identity, peer state.Peer) (*state.JoinResult, error) {
	role, settings, err := m.gate(ctx, documentID, who.UserID)
	if err != nil {
		return nil, err
	}
	ticket, err := m.issue(documentID, peer.ID(), who)
	if err != nil {
		return nil, err
	}

	for {
		s, err := m.load(ctx, documentID, settings)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.sessions[documentID] != s {
			m.mu.Unlock()
			continue
		}
		result, err := s.Attach(who, role, peer, ticket)
		if errors.Is(err, session.ErrDestroyed) {
			m.mu.Unlock()
			continue
		}
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.conns[peer.ID()] = s
		m.mu.Unlock()

		m.logger.Debug("Connection joined session",
			slog.String("documentID", documentID),
			slog.String("connID", peer.ID().String()),
			slog.String("userID", who.UserID),
			slog.String("role", string(role)),
		)
		m.publish(s)
		return result, nil
	}
}

func (m *InMemoryManager) Reconnect(ctx context.Context, ticket string, peer state.Peer) (*state.JoinResult, error) {
	if m.tickets == nil {
		return nil, state.PermissionDenied("reconnect is not enabled")
	}
	t, err := m.tickets.Parse(ticket)
	if err != nil {
		return nil, state.PermissionDenied(err.Error())
	}
	who := state.Identity{UserID: t.UserID, DisplayName: t.DisplayName}
	role, _, err := m.gate(ctx, t.DocumentID, who.UserID)
	if err != nil {
		return nil, err
	}
	next, err := m.issue(t.DocumentID, peer.ID(), who)
	if err != nil {
		return nil, err
	}

	for {
		m.mu.Lock()
		s, ok := m.sessions[t.DocumentID]
		if !ok {
			m.mu.Unlock()
			break
		}
		result, replaced, resumed, err := s.Resume(t.ConnectionID, who, role, peer, next)
		if errors.Is(err, session.ErrDestroyed) {
			m.mu.Unlock()
			continue
		}
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if !resumed {
			m.mu.Unlock()
			break
		}
		delete(m.conns, t.ConnectionID)
		m.conns[peer.ID()] = s
		m.mu.Unlock()

		if replaced != nil {
			replaced.Close(state.ErrEvicted)
		}
		m.logger.Info("Connection resumed",
			slog.String("documentID", t.DocumentID),
			slog.String("connID", peer.ID().String()),
			slog.String("previousConnID", t.ConnectionID.String()),
		)
		m.publish(s)
		return result, nil
	}

	// nothing left to resume; attach as a fresh connection
	return m.Join(ctx, t.DocumentID, who, peer)
}

// issue mints the reconnect ticket handed out with a join. Without an
// issuer reconnect is disabled and the ticket is empty.
func (m *InMemoryManager) issue(documentID string, connID uuid.UUID, who state.Identity) (string, error) {
	if m.tickets == nil {
		return "", nil
	}
	return m.tickets.Issue(documentID, connID, who.UserID, who.DisplayName)
}

func (m *InMemoryManager) Leave(connID uuid.UUID, kind state.CloseKind) error {
	m.mu.Lock()
	s, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return state.UnknownConnection("connection already left")
	}
	delete(m.conns, connID)
	err := s.Detach(connID, kind)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.logger.Debug("Connection left session",
		slog.String("documentID", s.DocumentID),
		slog.String("connID", connID.String()),
		slog.String("kind", kind.String()),
	)
	m.publish(s)
	return nil
}

func (m *InMemoryManager) Lifecycle(documentID string) state.Lifecycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[documentID]
	if !ok {
		return state.Unloaded
	}
	return s.Lifecycle()
}

func (m *InMemoryManager) RefCount(documentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[documentID]
	if !ok {
		return 0
	}
	return s.RefCount()
}

// Session returns the live session of documentID.
func (m *InMemoryManager) Session(documentID string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[documentID]
	return s, ok
}

// Sessions summarizes every live session ordered by document id.
func (m *InMemoryManager) Sessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, SessionInfo{
			DocumentID:     id,
			Lifecycle:      s.Lifecycle().String(),
			RefCount:       s.RefCount(),
			Version:        s.Snapshot().Version,
			PermissionMode: s.PermissionMode(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

// load returns the live session of documentID, loading the document on
// first use. Concurrent callers share one load.
func (m *InMemoryManager) load(ctx context.Context, documentID string, settings sharing.Settings) (*session.Session, error) {
	for {
		m.mu.Lock()
		if s, ok := m.sessions[documentID]; ok {
			m.mu.Unlock()
			return s, nil
		}
		if call, ok := m.loading[documentID]; ok {
			m.mu.Unlock()
			select {
			case <-call.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		call := &loadCall{done: make(chan struct{})}
		m.loading[documentID] = call
		flush := m.flushes[documentID]
		m.mu.Unlock()

		s, err := m.loadSession(ctx, documentID, settings, flush)

		m.mu.Lock()
		delete(m.loading, documentID)
		if err == nil {
			m.sessions[documentID] = s
		}
		close(call.done)
		m.mu.Unlock()
		return s, err
	}
}

func (m *InMemoryManager) loadSession(ctx context.Context, documentID string, settings sharing.Settings, flush chan struct{}) (*session.Session, error) {
	if flush != nil {
		select {
		case <-flush:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	snap, err := m.docs.LoadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Session created", slog.String("documentID", documentID), slog.Int("version", snap.Version))
	return session.New(snap, settings, session.Options{
		HistoryLimit:   m.cfg.HistoryLimit,
		GracePeriod:    m.cfg.GracePeriod,
		ResumeWindow:   m.cfg.ResumeWindow,
		AfterFunc:      m.afterFunc,
		Now:            m.now,
		OnGraceExpired: m.expire,
	}, m.logger), nil
}

// expire runs when a grace timer fires. The session is destroyed only if
// it is still draining under the same generation.
func (m *InMemoryManager) expire(s *session.Session, generation uint64) {
	m.mu.Lock()
	if m.sessions[s.DocumentID] != s {
		m.mu.Unlock()
		return
	}
	snap, dirty, ok := s.Destroy(generation)
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.DocumentID)
	var flushed chan struct{}
	if dirty {
		flushed = make(chan struct{})
		m.flushes[s.DocumentID] = flushed
	}
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.Publish(s.DocumentID, nil)
	}
	if dirty {
		m.flush(context.Background(), snap)
		m.mu.Lock()
		if m.flushes[s.DocumentID] == flushed {
			delete(m.flushes, s.DocumentID)
		}
		close(flushed)
		m.mu.Unlock()
	}
	m.logger.Info("Session destroyed", slog.String("documentID", s.DocumentID), slog.Int("version", snap.Version))
}

func (m *InMemoryManager) flush(ctx context.Context, snap state.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.docs.SaveCheckpoint(ctx, snap); err != nil {
		m.logger.Error("Checkpoint failed",
			slog.String("documentID", snap.DocumentID),
			slog.Int("version", snap.Version),
			slog.Any("error", err),
		)
		return err
	}
	m.logger.Debug("Checkpoint saved", slog.String("documentID", snap.DocumentID), slog.Int("version", snap.Version))
	return nil
}

// --- Presence ---

func (m *InMemoryManager) lookup(connID uuid.UUID) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.conns[connID]
	if !ok {
		return nil, state.UnknownConnection("connection is not attached to a session")
	}
	return s, nil
}

func (m *InMemoryManager) SendCursor(connID uuid.UUID, cursor *state.Cursor) error {
	s, err := m.lookup(connID)
	if err != nil {
		return err
	}
	return s.Cursor(connID, cursor)
}

func (m *InMemoryManager) Heartbeat(connID uuid.UUID) error {
	s, err := m.lookup(connID)
	if err != nil {
		return err
	}
	return s.Heartbeat(connID)
}

func (m *InMemoryManager) Presence(documentID string) ([]state.ClientPresence, error) {
	s, ok := m.Session(documentID)
	if !ok {
		return nil, state.SessionNotFound("no live session for document")
	}
	return s.Presence(), nil
}

func (m *InMemoryManager) publish(s *session.Session) {
	if m.observer != nil {
		m.observer.Publish(s.DocumentID, s.Presence())
	}
}

// --- Edits ---

func (m *InMemoryManager) SendOperation(ctx context.Context, op state.Operation) (state.Applied, error) {
	s, err := m.lookup(op.Origin)
	if err != nil {
		return state.Applied{}, err
	}
	if op.ID == "" {
		op.ID = ulid.Make().String()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = m.now()
	}
	result, err := s.Enqueue(op)
	if errors.Is(err, session.ErrDestroyed) {
		return state.Applied{}, state.Disconnected("session closed")
	}
	if err != nil {
		return state.Applied{}, err
	}
	select {
	case r := <-result:
		return r.Applied, r.Err
	case <-ctx.Done():
		return state.Applied{}, ctx.Err()
	}
}

func (m *InMemoryManager) PendingFor(connID uuid.UUID) []state.Operation {
	s, err := m.lookup(connID)
	if err != nil {
		return nil
	}
	return s.Pending(connID)
}

func (m *InMemoryManager) SnapshotFor(connID uuid.UUID) (state.Snapshot, error) {
	s, err := m.lookup(connID)
	if err != nil {
		return state.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// --- Permission Management ---

func (m *InMemoryManager) gate(ctx context.Context, documentID, userID string) (state.Role, sharing.Settings, error) {
	settings, err := m.shares.GetShareSettings(ctx, documentID)
	if err != nil {
		return "", sharing.Settings{}, err
	}
	role, err := sharing.ComputeRole(settings, userID)
	if err != nil {
		return "", sharing.Settings{}, err
	}
	return role, settings, nil
}

// Authorize reports the role userID would get on documentID without
// attaching anything.
func (m *InMemoryManager) Authorize(ctx context.Context, documentID, userID string) (state.Role, error) {
	role, _, err := m.gate(ctx, documentID, userID)
	return role, err
}

// RefreshPermissions recomputes the role of every connection in the
// document's session. Operations already applied stay applied.
func (m *InMemoryManager) RefreshPermissions(ctx context.Context, documentID string) error {
	s, ok := m.Session(documentID)
	if !ok {
		return nil
	}
	settings, err := m.shares.GetShareSettings(ctx, documentID)
	if errors.Is(err, state.ErrSessionNotFound) {
		// the document is gone; nobody keeps access
		settings = sharing.Settings{DocumentID: documentID, Mode: sharing.ModeOff}
	} else if err != nil {
		return fmt.Errorf("refresh permissions: %w", err)
	}

	revoked := s.Refresh(settings)
	for _, r := range revoked {
		m.evict(r.ConnectionID, r.Peer, state.CloseRevoked, state.ErrRevoked, r.Reason)
	}
	m.logger.Info("Permissions refreshed",
		slog.String("documentID", documentID),
		slog.String("permissionMode", string(sharing.PermissionModeOf(settings))),
		slog.Int("revoked", len(revoked)),
	)
	m.publish(s)
	return nil
}

// evict detaches a connection and closes its channel with cause.
func (m *InMemoryManager) evict(connID uuid.UUID, peer state.Peer, kind state.CloseKind, cause error, reason string) {
	code := state.CodePermissionDenied
	if kind == state.CloseEvicted {
		code = state.CodeDisconnected
	}
	if peer != nil {
		peer.Send(protocol.MustEncode(protocol.EventError, protocol.ErrorPayload{Code: code, Reason: reason}))
	}
	if err := m.Leave(connID, kind); err != nil {
		m.logger.Debug("Evicted connection already gone", slog.String("connID", connID.String()))
	}
	if peer != nil {
		peer.Close(cause)
	}
	m.logger.Info("Connection evicted",
		slog.String("connID", connID.String()),
		slog.String("kind", kind.String()),
		slog.String("reason", reason),
	)
}

// --- Connection Limits ---

func (m *InMemoryManager) UserConnectionCount(userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for connID, s := range m.conns {
		if p, ok := s.PresenceOf(connID); ok && p.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (state.Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		oldest     state.Peer
		oldestTime time.Time
	)
	for connID, s := range m.conns {
		p, ok := s.PresenceOf(connID)
		if !ok || p.UserID != userID {
			continue
		}
		if oldest == nil || p.JoinedAt.Before(oldestTime) {
			if peer, ok := s.Peer(connID); ok {
				oldest = peer
				oldestTime = p.JoinedAt
			}
		}
	}
	return oldest, oldest != nil
}

// --- Background work ---

// Run sweeps idle connections and checkpoints dirty sessions until ctx is
// done.
func (m *InMemoryManager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.every(ctx, m.cfg.SweepInterval, func() { m.Sweep() })
	})
	g.Go(func() error {
		return m.every(ctx, m.cfg.CheckpointInterval, func() { m.Checkpoint(ctx) })
	})
	return g.Wait()
}

func (m *InMemoryManager) every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

func (m *InMemoryManager) liveSessions() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Sweep evicts connections that missed the heartbeat timeout, exactly as if
// they had disconnected.
func (m *InMemoryManager) Sweep() int {
	evicted := 0
	for _, s := range m.liveSessions() {
		for _, connID := range s.Expired(m.cfg.HeartbeatTimeout) {
			peer, _ := s.Peer(connID)
			m.evict(connID, peer, state.CloseEvicted, state.ErrEvicted, "heartbeat timeout")
			evicted++
		}
		// keeps the mirror's TTL from lapsing under a long, quiet session
		m.publish(s)
	}
	return evicted
}

// Checkpoint persists every session with unsaved edits.
func (m *InMemoryManager) Checkpoint(ctx context.Context) {
	for _, s := range m.liveSessions() {
		snap, ok := s.Checkpoint()
		if !ok {
			continue
		}
		if err := m.flush(ctx, snap); err == nil {
			s.MarkSaved(snap.Version)
		}
	}
}

// Shutdown closes every connection and flushes every session.
func (m *InMemoryManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session.Session)
	m.conns = make(map[uuid.UUID]*session.Session)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		snap, dirty, peers := s.ForceDestroy()
		for _, p := range peers {
			p.Close(state.ErrShutdown)
		}
		if m.observer != nil {
			m.observer.Publish(s.DocumentID, nil)
		}
		if dirty {
			g.Go(func() error { return m.flush(ctx, snap) })
		}
	}
	err := g.Wait()
	m.logger.Info("State manager shut down", slog.Int("sessions", len(sessions)))
	return err
}
