// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseWaitPolicy verifies config string mapping.
func TestParseWaitPolicy(t *testing.T) {
	for s, want := range map[string]WaitPolicy{"": WaitBlock, "block": WaitBlock, "fail": WaitFail} {
		got, err := ParseWaitPolicy(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseWaitPolicy("spin")
	assert.Error(t, err)
}

// TestAcquire_FailFastOnContention verifies WaitFail returns the
// sentinel error while the lock is held and succeeds after release.
func TestAcquire_FailFastOnContention(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	release, err := m.Acquire(ctx, "main.go", WaitFail)
	require.NoError(t, err)
	assert.True(t, m.Held("main.go"))

	_, err = m.Acquire(ctx, "main.go", WaitFail)
	assert.ErrorIs(t, err, ErrOperationInProgress)

	// Independent files are unaffected.
	otherRelease, err := m.Acquire(ctx, "other.go", WaitFail)
	require.NoError(t, err)
	otherRelease()

	release()
	assert.False(t, m.Held("main.go"))

	release2, err := m.Acquire(ctx, "main.go", WaitFail)
	require.NoError(t, err)
	release2()
}

// TestAcquire_BlockWaitsForRelease verifies WaitBlock queues behind the
// holder and proceeds once released.
func TestAcquire_BlockWaitsForRelease(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	release, err := m.Acquire(ctx, "main.go", WaitBlock)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := m.Acquire(ctx, "main.go", WaitBlock)
		assert.NoError(t, err)
		r()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire should proceed after release")
	}
}

// TestAcquire_BlockHonorsContextCancellation verifies a blocked waiter
// unblocks with the context error.
func TestAcquire_BlockHonorsContextCancellation(t *testing.T) {
	m := NewManager(nil)

	release, err := m.Acquire(context.Background(), "main.go", WaitBlock)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "main.go", WaitBlock)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked acquire should observe cancellation")
	}
}

// TestRelease_Idempotent verifies double release does not free the lock
// for a third party twice.
func TestRelease_Idempotent(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	release, err := m.Acquire(ctx, "main.go", WaitFail)
	require.NoError(t, err)
	release()
	release()

	// If the second release decremented again, this acquire would leave
	// the channel in a broken state. Acquire and fail-fast must still
	// behave normally.
	r1, err := m.Acquire(ctx, "main.go", WaitFail)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "main.go", WaitFail)
	assert.ErrorIs(t, err, ErrOperationInProgress)
	r1()
}

// TestAcquire_SerializesConcurrentHolders verifies mutual exclusion
// under contention.
func TestAcquire_SerializesConcurrentHolders(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	var inCritical, maxInCritical int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(ctx, "main.go", WaitBlock)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical, "at most one holder at a time")
}
