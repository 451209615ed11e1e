package ledger

import (
	"sync"
	"testing"
)

func TestKeyMutex_SerializesSameKey(t *testing.T) {
	km := newKeyMutex()
	const goroutines = 50

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("cus1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != goroutines {
		t.Errorf("expected %d increments, got %d", goroutines, counter)
	}
}

func TestKeyMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := newKeyMutex()

	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}

func TestKeyMutex_EntriesRemovedWhenIdle(t *testing.T) {
	km := newKeyMutex()

	unlock := km.Lock("cus1")
	unlock()

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Errorf("expected empty lock table, got %d entries", len(km.locks))
	}
}
