package presence_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/livememo/pkg/presence"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type fakePeer struct {
	id   uuid.UUID
	mu   sync.Mutex
	msgs [][]byte
}

func newFakePeer() *fakePeer { return &fakePeer{id: uuid.New()} }

func (p *fakePeer) ID() uuid.UUID { return p.id }
func (p *fakePeer) Close(error)   {}
func (p *fakePeer) Send(msg []byte) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
}
func (p *fakePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestJoinLeave(t *testing.T) {
	r := presence.NewRegistry()
	a, b := newFakePeer(), newFakePeer()

	pa := r.Join("alice", "Alice", state.RoleOwner, a)
	r.Join("", "", state.RoleReadOnly, b)
	if pa.ConnectionID != a.ID() {
		t.Fatalf("connection id should come from the peer")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", r.Len())
	}

	left, ok := r.Leave(a.ID())
	if !ok || left.UserID != "alice" {
		t.Fatalf("Leave returned %+v, %v", left, ok)
	}
	if _, ok := r.Leave(a.ID()); ok {
		t.Errorf("second Leave should report missing entry")
	}
	snap := r.Snapshot()
	if len(snap) != 1 || !snap[0].Anonymous() {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestSameUserManyConnections(t *testing.T) {
	r := presence.NewRegistry()
	r.Join("alice", "Alice", state.RoleOwner, newFakePeer())
	r.Join("alice", "Alice", state.RoleOwner, newFakePeer())
	if r.Len() != 2 {
		t.Fatalf("expected one entry per connection, got %d", r.Len())
	}
}

func TestHeartbeatIsIdempotent(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	r := presence.NewRegistryWithClock(c.now)
	p := newFakePeer()
	r.Join("alice", "Alice", state.RoleEditor, p)
	if _, err := r.UpdateCursor(p.ID(), &state.Cursor{Anchor: 1, Head: 4}); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}
	before, _ := r.Get(p.ID())

	for i := 0; i < 5; i++ {
		c.t = c.t.Add(time.Second)
		if err := r.Heartbeat(p.ID()); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	}
	after, _ := r.Get(p.ID())
	if !after.LastSeenAt.Equal(c.t) {
		t.Errorf("LastSeenAt = %v, want %v", after.LastSeenAt, c.t)
	}
	after.LastSeenAt = before.LastSeenAt
	if !reflect.DeepEqual(before, after) {
		t.Errorf("heartbeat changed more than LastSeenAt:\n%+v\n%+v", before, after)
	}
	if p.count() != 0 {
		t.Errorf("heartbeat should not send anything")
	}
}

func TestUnknownConnection(t *testing.T) {
	r := presence.NewRegistry()
	if err := r.Heartbeat(uuid.New()); !errors.Is(err, state.ErrUnknownConnection) {
		t.Errorf("Heartbeat error = %v", err)
	}
	if _, err := r.UpdateCursor(uuid.New(), nil); !errors.Is(err, state.ErrUnknownConnection) {
		t.Errorf("UpdateCursor error = %v", err)
	}
}

func TestCursorIsCopied(t *testing.T) {
	r := presence.NewRegistry()
	p := newFakePeer()
	r.Join("alice", "Alice", state.RoleEditor, p)
	cur := &state.Cursor{Anchor: 2, Head: 2}
	r.UpdateCursor(p.ID(), cur)
	cur.Head = 9
	got, _ := r.Get(p.ID())
	if got.Cursor.Head != 2 {
		t.Errorf("registry cursor aliased caller memory")
	}
}

func TestExpired(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	r := presence.NewRegistryWithClock(c.now)
	stale, fresh := newFakePeer(), newFakePeer()
	r.Join("a", "", state.RoleEditor, stale)
	r.Join("b", "", state.RoleEditor, fresh)

	c.t = c.t.Add(20 * time.Second)
	r.Heartbeat(fresh.ID())
	c.t = c.t.Add(15 * time.Second)

	expired := r.Expired(c.t, 30*time.Second)
	if len(expired) != 1 || expired[0] != stale.ID() {
		t.Fatalf("Expired = %v, want [%v]", expired, stale.ID())
	}
}

func TestBroadcastSkipsOrigin(t *testing.T) {
	r := presence.NewRegistry()
	a, b, c := newFakePeer(), newFakePeer(), newFakePeer()
	for _, p := range []*fakePeer{a, b, c} {
		r.Join("", "", state.RoleEditor, p)
	}
	r.Broadcast(a.ID(), []byte("hi"))
	if a.count() != 0 || b.count() != 1 || c.count() != 1 {
		t.Errorf("broadcast counts a=%d b=%d c=%d", a.count(), b.count(), c.count())
	}
}

func TestReplaceKeepsIdentity(t *testing.T) {
	r := presence.NewRegistry()
	old, fresh := newFakePeer(), newFakePeer()
	r.Join("bob", "Bob", state.RoleEditor, old)
	r.UpdateCursor(old.ID(), &state.Cursor{Anchor: 3, Head: 5})

	p, err := r.Replace(old.ID(), fresh)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if p.ConnectionID != fresh.ID() || p.UserID != "bob" || p.Cursor == nil || p.Cursor.Head != 5 {
		t.Errorf("unexpected resumed presence %+v", p)
	}
	if _, ok := r.Get(old.ID()); ok {
		t.Errorf("old connection still registered")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 entry after replace, got %d", r.Len())
	}
}

func TestRedisMirror(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	m := presence.NewRedisMirror(client, time.Minute, newTestLogger())
	ctx := context.Background()

	r := presence.NewRegistry()
	r.Join("alice", "Alice", state.RoleOwner, newFakePeer())
	r.Join("", "", state.RoleReadOnly, newFakePeer())

	if err := m.Write(ctx, "doc-1", r.Snapshot()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := m.Read(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 mirrored entries, got %d", len(got))
	}
	docs, _ := m.Documents(ctx)
	if !reflect.DeepEqual(docs, []string{"doc-1"}) {
		t.Errorf("Documents = %v", docs)
	}

	if err := m.Write(ctx, "doc-1", nil); err != nil {
		t.Fatalf("Write empty: %v", err)
	}
	docs, _ = m.Documents(ctx)
	if len(docs) != 0 {
		t.Errorf("expected empty session index, got %v", docs)
	}
}

func TestRedisMirrorRun(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	m := presence.NewRedisMirror(client, time.Minute, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	r := presence.NewRegistry()
	r.Join("alice", "Alice", state.RoleOwner, newFakePeer())
	m.Publish("doc-2", r.Snapshot())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := m.Read(context.Background(), "doc-2"); len(got) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("published presence never reached redis")
}
