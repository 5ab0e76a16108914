// Package msgindex stores the channel posts a bot has observed, so that
// id-range lookups work on platforms that give bots no history access.
package msgindex

import (
	"context"
	"sync"
	"time"

	"chanrelay/internal/transport"
)

type memoryIndex struct {
	mu    sync.RWMutex
	chats map[int64]map[int64]transport.Observed
}

// NewMemory returns a process-local index.
func NewMemory() transport.Index {
	return &memoryIndex{chats: map[int64]map[int64]transport.Observed{}}
}

func (m *memoryIndex) Put(_ context.Context, posts ...transport.Observed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range posts {
		c := m.chats[p.ChatID]
		if c == nil {
			c = map[int64]transport.Observed{}
			m.chats[p.ChatID] = c
		}
		c[p.ID] = p
	}
	return nil
}

func (m *memoryIndex) Get(_ context.Context, chatID int64, ids []int64) (map[int64]transport.Observed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]transport.Observed, len(ids))
	c := m.chats[chatID]
	for _, id := range ids {
		if p, ok := c[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *memoryIndex) Forget(_ context.Context, chatID int64, ids ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chats[chatID]
	for _, id := range ids {
		delete(c, id)
	}
	return nil
}

func (m *memoryIndex) Head(_ context.Context, chatID int64) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var head int64
	found := false
	for id := range m.chats[chatID] {
		if !found || id > head {
			head, found = id, true
		}
	}
	return head, found, nil
}

func (m *memoryIndex) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for chatID, c := range m.chats {
		for id, p := range c {
			if p.SeenAt.Before(before) {
				delete(c, id)
				n++
			}
		}
		if len(c) == 0 {
			delete(m.chats, chatID)
		}
	}
	return n, nil
}

func (m *memoryIndex) Close() error { return nil }
