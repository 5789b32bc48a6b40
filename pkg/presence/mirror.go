package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/a-essam23/livememo/pkg/state"
	"github.com/redis/go-redis/v9"
)

const (
	mirrorPrefix   = "livememo:presence:"
	mirrorSessions = "livememo:sessions"
)

type mirrorUpdate struct {
	documentID string
	presence   []state.ClientPresence
}

// RedisMirror copies each session's presence into a Redis hash so other
// processes and admin tooling can read it. Publish never blocks; Run does
// the writes.
type RedisMirror struct {
	client  *redis.Client
	ttl     time.Duration
	updates chan mirrorUpdate
	logger  *slog.Logger
}

func NewRedisMirror(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{
		client:  client,
		ttl:     ttl,
		updates: make(chan mirrorUpdate, 256),
		logger:  logger.With(slog.String("component", "PresenceMirror")),
	}
}

func mirrorKey(documentID string) string {
	return mirrorPrefix + documentID
}

// Publish queues the latest presence of a document. Updates are dropped
// when the queue is full; the next change overwrites the hash anyway.
func (m *RedisMirror) Publish(documentID string, presence []state.ClientPresence) {
	select {
	case m.updates <- mirrorUpdate{documentID: documentID, presence: presence}:
	default:
		m.logger.Warn("Presence mirror queue full, dropping update", slog.String("documentID", documentID))
	}
}

// Run drains queued updates until ctx is done.
func (m *RedisMirror) Run(ctx context.Context) error {
	m.logger.Info("Presence mirror started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Presence mirror stopped")
			return nil
		case u := <-m.updates:
			if err := m.Write(ctx, u.documentID, u.presence); err != nil {
				m.logger.Warn("Presence mirror write failed", slog.String("documentID", u.documentID), slog.Any("error", err))
			}
		}
	}
}

// Write replaces the mirrored presence of documentID. An empty list removes
// the document from the session index.
func (m *RedisMirror) Write(ctx context.Context, documentID string, presence []state.ClientPresence) error {
	fields := make(map[string]interface{}, len(presence))
	for _, p := range presence {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal presence: %w", err)
		}
		fields[p.ConnectionID.String()] = data
	}

	key := mirrorKey(documentID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) == 0 {
			pipe.SRem(ctx, mirrorSessions, documentID)
			return nil
		}
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, m.ttl)
		pipe.SAdd(ctx, mirrorSessions, documentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	return nil
}

// Read returns the mirrored presence of documentID ordered by join time.
func (m *RedisMirror) Read(ctx context.Context, documentID string) ([]state.ClientPresence, error) {
	raw, err := m.client.HGetAll(ctx, mirrorKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	out := make([]state.ClientPresence, 0, len(raw))
	for _, v := range raw {
		var p state.ClientPresence
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("unmarshal presence: %w", err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// Documents lists documents with mirrored presence.
func (m *RedisMirror) Documents(ctx context.Context) ([]string, error) {
	docs, err := m.client.SMembers(ctx, mirrorSessions).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Strings(docs)
	return docs, nil
}
