package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var m ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("saga_1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected 100 increments, got %d", counter)
	}
}

func TestShardedMutex_UnlockReleases(t *testing.T) {
	var m ShardedMutex

	unlock := m.Lock("saga_1")
	unlock()

	// A second acquisition of the same key must not deadlock.
	done := make(chan struct{})
	go func() {
		unlock := m.Lock("saga_1")
		unlock()
		close(done)
	}()
	<-done
}
