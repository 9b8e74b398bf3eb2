package flightstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/loom/internal/device"
)

// MockFetcher is an in-memory Fetcher for tests and offline tooling.
type MockFetcher struct {
	mu       sync.Mutex
	sets     map[string]map[string]*device.Tensor
	closed   bool
	FetchErr error
	FetchLog []string
}

func NewMockFetcher() *MockFetcher {
	return &MockFetcher{sets: make(map[string]map[string]*device.Tensor)}
}

// Register stores a tensor set under name.
func (m *MockFetcher) Register(name string, tensors map[string]*device.Tensor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[name] = tensors
}

func (m *MockFetcher) FetchTensors(ctx context.Context, name string) (map[string]*device.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("fetcher is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.FetchLog = append(m.FetchLog, name)
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	set, ok := m.sets[name]
	if !ok {
		return nil, fmt.Errorf("no tensor set registered under %s", name)
	}
	out := make(map[string]*device.Tensor, len(set))
	for k, v := range set {
		out[k] = v
	}
	return out, nil
}

func (m *MockFetcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
