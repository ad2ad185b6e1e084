package selector

import "sync"

// Counter hands out increasing values per key for round-robin
// selection. Implementations must be safe for concurrent use.
type Counter interface {
	Next(key string) uint64
}

// MemoryCounter is a per-process Counter.
type MemoryCounter struct {
	mu sync.Mutex
	n  map[string]uint64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{n: map[string]uint64{}}
}

// Next returns 0 for the first call with a key, then 1, 2, ...
func (c *MemoryCounter) Next(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.n[key]
	c.n[key] = v + 1
	return v
}
