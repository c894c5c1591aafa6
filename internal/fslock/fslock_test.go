package fslock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard", ".lock")

	lock, err := Acquire(path, time.Second)
	require.NoError(t, err, "missing parent directories are created lazily")
	require.NoError(t, lock.Close())

	// Reacquirable after release.
	lock, err = Acquire(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Close())
}

func TestCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	lock, err := Acquire(path, time.Second)
	require.NoError(t, err)

	require.NoError(t, lock.Close())
	require.NoError(t, lock.Close())
}

func TestContentionTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	held, err := Acquire(path, time.Second)
	require.NoError(t, err)
	defer held.Close()

	start := time.Now()
	_, err = Acquire(path, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestContentionResolves(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	held, err := Acquire(path, time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		lock, err := Acquire(path, 2*time.Second)
		if err == nil {
			err = lock.Close()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, held.Close())

	select {
	case err := <-done:
		require.NoError(t, err, "waiter must win the lock after release")
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
