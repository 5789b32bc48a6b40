package statemanager_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/livememo/pkg/ot"
	"github.com/a-essam23/livememo/pkg/protocol"
	"github.com/a-essam23/livememo/pkg/reconnect"
	"github.com/a-essam23/livememo/pkg/session"
	"github.com/a-essam23/livememo/pkg/sharing"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/a-essam23/livememo/pkg/state/statemanager"
	"github.com/a-essam23/livememo/pkg/store"
	"github.com/google/uuid"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) session.Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return &fakeTimerHandle{ft: ft, t: t}
}

type fakeTimerHandle struct {
	ft *fakeTimers
	t  *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.ft.mu.Lock()
	defer h.ft.mu.Unlock()
	was := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return was
}

// Fire runs every armed timer, as if the grace period elapsed.
func (ft *fakeTimers) Fire() int {
	ft.mu.Lock()
	var due []*fakeTimer
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	ft.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

// FireStopped runs timers that were cancelled, as a late timer goroutine would.
func (ft *fakeTimers) FireStopped() {
	ft.mu.Lock()
	var late []*fakeTimer
	for _, t := range ft.timers {
		if t.stopped && !t.fired {
			t.fired = true
			late = append(late, t)
		}
	}
	ft.mu.Unlock()
	for _, t := range late {
		t.f()
	}
}

func (ft *fakeTimers) Armed() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakePeer records frames. Closing it reports to the manager the way the
// transport does.
type fakePeer struct {
	id uuid.UUID
	m  *statemanager.InMemoryManager

	mu       sync.Mutex
	frames   []protocol.Message
	closedBy error
	closed   bool
}

func newPeer(m *statemanager.InMemoryManager) *fakePeer {
	return &fakePeer{id: uuid.New(), m: m}
}

func (p *fakePeer) ID() uuid.UUID { return p.id }

func (p *fakePeer) Send(msg []byte) {
	var frame protocol.Message
	if err := json.Unmarshal(msg, &frame); err != nil {
		panic(err)
	}
	p.mu.Lock()
	p.frames = append(p.frames, frame)
	p.mu.Unlock()
}

func (p *fakePeer) Close(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closedBy = err
	p.mu.Unlock()
	kind, _ := state.CloseKindOf(err)
	p.m.Leave(p.id, kind)
}

func (p *fakePeer) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.frames))
	for i, f := range p.frames {
		out[i] = f.Event
	}
	return out
}

func (p *fakePeer) Frames(event string) []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Message
	for _, f := range p.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) Count(event string) int {
	return len(p.Frames(event))
}

func (p *fakePeer) Closed() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.closedBy
}

// Replica rebuilds the peer's view of the document from its joined
// snapshot plus every acked and applied change, in version order.
func (p *fakePeer) Replica(t *testing.T) (string, int) {
	t.Helper()
	joined := p.Frames(protocol.EventSessionJoined)
	if len(joined) == 0 {
		t.Fatalf("peer %v never joined", p.id)
	}
	var jr state.JoinResult
	if err := json.Unmarshal(joined[len(joined)-1].Payload, &jr); err != nil {
		t.Fatalf("decode join: %v", err)
	}

	var changes []protocol.AppliedPayload
	for _, ev := range []string{protocol.EventOpAck, protocol.EventOpApplied} {
		for _, f := range p.Frames(ev) {
			var a protocol.AppliedPayload
			if err := json.Unmarshal(f.Payload, &a); err != nil {
				t.Fatalf("decode %s: %v", ev, err)
			}
			if a.Version > jr.Snapshot.Version {
				changes = append(changes, a)
			}
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Version < changes[j].Version })

	doc, version := jr.Snapshot.Content, jr.Snapshot.Version
	for _, c := range changes {
		if c.Version != version+1 {
			t.Fatalf("peer %v saw a gap: at v%d got v%d", p.id, version, c.Version)
		}
		next, err := ot.Apply(doc, c.Change)
		if err != nil {
			t.Fatalf("replica apply: %v", err)
		}
		doc, version = next, c.Version
	}
	return doc, version
}

type harness struct {
	m       *statemanager.InMemoryManager
	shares  *sharing.Memory
	docs    *store.Memory
	timers  *fakeTimers
	clock   *clock
	tickets *reconnect.Issuer
	mirror  *recordingObserver
}

// recordingObserver counts presence publications per document.
type recordingObserver struct {
	mu    sync.Mutex
	count map[string]int
	last  map[string][]state.ClientPresence
}

func (o *recordingObserver) Publish(documentID string, presence []state.ClientPresence) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.count[documentID]++
	o.last[documentID] = presence
}

func (o *recordingObserver) Published(documentID string) (int, []state.ClientPresence) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count[documentID], o.last[documentID]
}

func newHarness(t *testing.T, settings ...sharing.Settings) *harness {
	t.Helper()
	h := &harness{
		shares:  sharing.NewMemory(settings...),
		docs:    store.NewMemory(),
		timers:  &fakeTimers{},
		clock:   &clock{t: time.Unix(1_700_000_000, 0)},
		tickets: reconnect.NewIssuer("test-secret", time.Minute),
		mirror:  &recordingObserver{count: map[string]int{}, last: map[string][]state.ClientPresence{}},
	}
	for _, s := range settings {
		h.docs.Put(s.DocumentID, "", 0)
	}
	cfg := statemanager.DefaultConfig()
	h.m = statemanager.NewInMemoryManager(newTestLogger(), cfg, h.shares, h.docs, h.tickets,
		statemanager.WithAfterFunc(h.timers.AfterFunc),
		statemanager.WithClock(h.clock.Now),
		statemanager.WithObserver(h.mirror),
	)
	t.Cleanup(func() { h.m.Shutdown(context.Background()) })
	return h
}

func publicDoc(id string, access sharing.Access) sharing.Settings {
	return sharing.Settings{DocumentID: id, OwnerID: "alice", Mode: sharing.ModePublic, Permission: access}
}
