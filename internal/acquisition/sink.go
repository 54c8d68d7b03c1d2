package acquisition

import (
	"context"
	"sync"
)

// Sink stores samples for a run.
type Sink interface {
	Write(ctx context.Context, s Sample) error
	// Flush is called once per capture after the last Write.
	Flush(ctx context.Context, sum Summary) error
}

// MemorySink keeps samples in memory, keyed by run.
type MemorySink struct {
	mu        sync.RWMutex
	samples   map[string][]Sample
	summaries map[string]Summary
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		samples:   make(map[string][]Sample),
		summaries: make(map[string]Summary),
	}
}

// Write implements Sink.
func (m *MemorySink) Write(_ context.Context, s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[s.RunID] = append(m.samples[s.RunID], s)
	return nil
}

// Flush implements Sink.
func (m *MemorySink) Flush(_ context.Context, sum Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[sum.RunID] = sum
	return nil
}

// Samples returns a copy of the samples recorded for a run.
func (m *MemorySink) Samples(runID string) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample(nil), m.samples[runID]...)
}

// Summary returns the flushed summary of a run.
func (m *MemorySink) Summary(runID string) (Summary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum, ok := m.summaries[runID]
	return sum, ok
}
