package sharing

import (
	"context"
	"sync"

	"github.com/a-essam23/livememo/pkg/state"
)

// Memory is an in-process Store used by tests and single-node dev mode.
type Memory struct {
	mu       sync.RWMutex
	settings map[string]Settings
}

func NewMemory(settings ...Settings) *Memory {
	m := &Memory{settings: make(map[string]Settings)}
	for _, s := range settings {
		m.settings[s.DocumentID] = s
	}
	return m
}

var _ Store = (*Memory)(nil)

func (m *Memory) GetShareSettings(_ context.Context, documentID string) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[documentID]
	if !ok {
		return Settings{}, state.SessionNotFound("document does not exist")
	}
	return s, nil
}

// Put replaces the settings of s.DocumentID.
func (m *Memory) Put(s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.DocumentID] = s
}
