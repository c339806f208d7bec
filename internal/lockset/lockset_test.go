package lockset

import (
	"sync"
	"testing"
	"time"
)

func TestSet_SerializesSameKey(t *testing.T) {
	set := New()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := set.Lock("dev-1")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("Expected at most one holder, saw %d", maxSeen)
	}
	if set.Len() != 0 {
		t.Errorf("Expected entries to be released, got %d", set.Len())
	}
}

func TestSet_DifferentKeysDoNotBlock(t *testing.T) {
	set := New()

	unlockA := set.Lock("dev-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := set.Lock("dev-b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock on a different key blocked")
	}
}

func TestSet_UnlockIsIdempotent(t *testing.T) {
	set := New()

	unlock := set.Lock("dev-1")
	unlock()
	unlock()

	if set.Len() != 0 {
		t.Errorf("Expected no entries, got %d", set.Len())
	}

	// The key is usable again
	unlock = set.Lock("dev-1")
	unlock()
}
