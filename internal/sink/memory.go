package sink

import (
	"context"
	"sync"
)

// Memory keeps appended rows in process. Each Append is kept as its own batch.
type Memory struct {
	mu      sync.Mutex
	batches [][]Row
	err     error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	batch := make([]Row, len(rows))
	copy(batch, rows)
	m.batches = append(m.batches, batch)
	return nil
}

// FailWith makes subsequent Appends fail with err; nil restores them.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Batches returns the row count of every Append call so far.
func (m *Memory) Batches() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.batches))
	for i, b := range m.batches {
		sizes[i] = len(b)
	}
	return sizes
}

// Rows returns every appended row in append order.
func (m *Memory) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Row
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}
