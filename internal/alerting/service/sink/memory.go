package sink

import (
	"context"
	"sort"
	"sync"

	"github.com/qiniu/apiguard/internal/alerting/model"
)

// Memory keeps the most recent anomalies in process. It backs the ops API when no
// queryable database is configured.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	byID     map[string]*model.Anomaly
	order    []string
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Memory{capacity: capacity, byID: make(map[string]*model.Anomaly)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Persist(_ context.Context, a *model.Anomaly) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[a.ID]; ok {
		return AlreadyExists, nil
	}
	cp := *a
	m.byID[a.ID] = &cp
	m.order = append(m.order, a.ID)
	if len(m.order) > m.capacity {
		drop := m.order[0]
		m.order = m.order[1:]
		delete(m.byID, drop)
	}
	return Stored, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]*model.Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Anomaly, 0)
	for _, id := range m.order {
		if a := m.byID[id]; f.match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (*model.Anomaly, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}
