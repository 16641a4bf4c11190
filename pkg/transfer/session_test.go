package transfer

import (
	"errors"
	"sync"
	"testing"
)

func TestTryLock(t *testing.T) {
	staging := t.TempDir()

	l, err := TryLock(staging)
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}

	// Second acquisition is refused, not queued.
	if _, err := TryLock(staging); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second TryLock() error = %v, want ErrSessionActive", err)
	}

	l.Release()

	// Lock is reusable after release.
	l2, err := TryLock(staging)
	if err != nil {
		t.Errorf("TryLock() after release error = %v", err)
	}
	l2.Release()
}

func TestTryLockConcurrent(t *testing.T) {
	// Simulated concurrent tick invocations: exactly one wins, the rest
	// are skipped.
	staging := t.TempDir()

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	locks := make([]*Lock, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			locks[i], results[i] = TryLock(staging)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range results {
		switch {
		case err == nil:
			winners++
			locks[i].Release()
		case errors.Is(err, ErrSessionActive):
		default:
			t.Errorf("attempt %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Errorf("%d concurrent attempts acquired the lock, want exactly 1", winners)
	}
}
