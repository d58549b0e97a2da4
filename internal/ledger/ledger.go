// Package ledger records completed stage results by idempotency key so a
// replayed stage returns the earlier result instead of calling a vendor again.
package ledger

import (
	"context"
	"sync"

	"github.com/sells-group/invoice-cli/internal/provider"
)

// Ledger stores stage results keyed by idempotency key.
type Ledger interface {
	// Get returns the recorded result for key. ok is false when none exists.
	Get(ctx context.Context, key string) (res *provider.Result, ok bool, err error)
	// Put records res for key. An existing entry is kept.
	Put(ctx context.Context, key string, res *provider.Result) error
}

// Memory is an in-process Ledger.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]provider.Result
}

// NewMemory creates an empty in-process ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]provider.Result)}
}

// Get implements Ledger.
func (m *Memory) Get(_ context.Context, key string) (*provider.Result, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &res, true, nil
}

// Put implements Ledger.
func (m *Memory) Put(_ context.Context, key string, res *provider.Result) error {
	if res == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		m.entries[key] = *res
	}
	return nil
}
