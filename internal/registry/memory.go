package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyagen/streamvault/internal/models"
)

// Memory is an in-process Registry. Useful as the default backend and in
// tests; contents do not survive a restart.
type Memory struct {
	mu      sync.RWMutex
	sources []models.CustomSource
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) List(_ context.Context) ([]models.CustomSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CustomSource, len(m.sources))
	copy(out, m.sources)
	return out, nil
}

func (m *Memory) Add(_ context.Context, src *models.CustomSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.CreatedAt == nil {
		now := time.Now()
		src.CreatedAt = &now
	}
	m.sources = append(m.sources, *src)
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sources {
		if s.ID == id {
			m.sources = append(m.sources[:i], m.sources[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
