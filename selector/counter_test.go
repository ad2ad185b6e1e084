package selector

import (
	"sync"
	"testing"
)

func TestMemoryCounterConcurrent(t *testing.T) {
	c := NewMemoryCounter()
	var wg sync.WaitGroup
	seen := make([]uint64, 100)
	for i := range seen {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen[i] = c.Next("k")
		}()
	}
	wg.Wait()

	got := map[uint64]bool{}
	for _, v := range seen {
		got[v] = true
	}
	if len(got) != 100 {
		t.Errorf("Next() handed out %d distinct values, expected 100", len(got))
	}
	if v := c.Next("other"); v != 0 {
		t.Errorf("Next(other) = %d, expected 0", v)
	}
}
