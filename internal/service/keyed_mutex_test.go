package service

import (
	"sync"
	"testing"
)

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var counters [3]int

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		key := uint(i%2 + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			counters[key]++
			unlock()
		}()
	}
	wg.Wait()

	if counters[1] != 50 || counters[2] != 50 {
		t.Errorf("counters = %v, want 50 each", counters)
	}
	if n := k.size(); n != 0 {
		t.Errorf("size() = %d, want 0 after all unlocks", n)
	}
}
