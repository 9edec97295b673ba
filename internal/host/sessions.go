// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package host

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/pluginhost/internal/hotreload"
)

// SessionInfo describes an open backend session.
type SessionInfo struct {
	ID         string    `json:"id"`
	PluginID   string    `json:"pluginId"`
	Generation uint64    `json:"generation"`
	OpenedAt   time.Time `json:"openedAt"`
}

// sessionTable tracks the backend sessions opened for mounted plugins. The
// backend process itself lives elsewhere; a session here is the host's
// handle on it.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]SessionInfo
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]SessionInfo)}
}

type trackedSession struct {
	table *sessionTable
	id    string
	once  sync.Once
}

func (s *trackedSession) Close() error {
	s.once.Do(func() {
		s.table.mu.Lock()
		delete(s.table.sessions, s.id)
		s.table.mu.Unlock()
	})
	return nil
}

// open satisfies hotreload.SessionFactory.
func (t *sessionTable) open(_ context.Context, pluginID string, generation uint64) (hotreload.Session, error) {
	info := SessionInfo{
		ID:         ulid.Make().String(),
		PluginID:   pluginID,
		Generation: generation,
		OpenedAt:   time.Now(),
	}
	t.mu.Lock()
	t.sessions[info.ID] = info
	t.mu.Unlock()
	return &trackedSession{table: t, id: info.ID}, nil
}

// forPlugin returns the open sessions of pluginID, oldest first.
func (t *sessionTable) forPlugin(pluginID string) []SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []SessionInfo
	for _, s := range t.sessions {
		if s.PluginID == pluginID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *sessionTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
