package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/plan"
)

// Memory is an in-process tracker for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	items   map[string]string // step -> item
	closed  map[string]string // item -> reason
	next    int
	closeFn func(itemID string) error
}

// NewMemory returns an empty Memory tracker.
func NewMemory() *Memory {
	return &Memory{
		items:  make(map[string]string),
		closed: make(map[string]string),
	}
}

// FailClose makes Close return the error fn produces; nil restores success.
func (m *Memory) FailClose(fn func(itemID string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeFn = fn
}

// SyncAndMap assigns sequential item ids to unseen steps.
func (m *Memory) SyncAndMap(_ context.Context, p *plan.Plan) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(p.Steps))
	for _, s := range p.Steps {
		id, ok := m.items[s.ID]
		if !ok {
			m.next++
			id = fmt.Sprintf("item-%d", m.next)
			m.items[s.ID] = id
		}
		out[s.ID] = id
	}
	return out, nil
}

// Close records the reason for itemID.
func (m *Memory) Close(_ context.Context, itemID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closeFn != nil {
		if err := m.closeFn(itemID); err != nil {
			return err
		}
	}
	if _, ok := m.closed[itemID]; ok {
		return errors.NewAdapterError(fmt.Sprintf("item %s already closed", itemID), errors.ErrInvalidInput).
			WithAdapter("memory").
			WithOperation("close")
	}
	m.closed[itemID] = reason
	return nil
}

// Closed returns the close reason for itemID.
func (m *Memory) Closed(itemID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.closed[itemID]
	return r, ok
}
