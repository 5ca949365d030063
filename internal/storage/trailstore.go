package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/rider-relay/internal/models"
)

// TrailStore persists the historical location trail of riders.
type TrailStore interface {
	AppendPoint(ctx context.Context, s models.LocationSample) error
	Trail(ctx context.Context, riderID string, limit int) ([]models.LocationSample, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	trails map[string][]models.LocationSample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trails: make(map[string][]models.LocationSample)}
}

func (m *MemoryStore) AppendPoint(_ context.Context, s models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trails[s.RiderID] = append(m.trails[s.RiderID], s)
	return nil
}

// Trail returns up to limit points for the rider, newest first.
func (m *MemoryStore) Trail(_ context.Context, riderID string, limit int) ([]models.LocationSample, error) {
	m.mu.RLock()
	src := m.trails[riderID]
	out := make([]models.LocationSample, len(src))
	copy(out, src)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
