package common

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_TryAcquireBusy(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	first := NewFileLock(lockPath)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := NewFileLock(lockPath)
	err := second.TryAcquire()
	assert.ErrorIs(t, err, ErrFileLockBusy)
}

func TestFileLock_ReleasedLockCanBeRetaken(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	first := NewFileLock(lockPath)
	require.NoError(t, first.Acquire())
	require.NoError(t, first.Release())

	second := NewFileLock(lockPath)
	require.NoError(t, second.TryAcquire())
	require.NoError(t, second.Release())
}

func TestFileLock_ReleaseWithoutAcquireIsNoop(t *testing.T) {
	lock := NewFileLock(filepath.Join(t.TempDir(), "test.lock"))
	assert.NoError(t, lock.Release())
}

func TestFileLock_BlockingWaitsForRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	first := NewFileLock(lockPath)
	require.NoError(t, first.Acquire())

	acquired := make(chan error, 1)
	go func() {
		second := NewFileLock(lockPath)
		err := second.Acquire()
		if err == nil {
			second.Release()
		}
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, first.Release())
	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second lock never acquired after release")
	}
}

func TestWithTryFileLock_SkipsOnContention(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	held := NewFileLock(lockPath)
	require.NoError(t, held.Acquire())
	defer held.Release()

	ran := false
	err := WithTryFileLock(lockPath, func() error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrFileLockBusy)
	assert.False(t, ran)
}

func TestWorkspaceID_StableAndDistinct(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	assert.Equal(t, WorkspaceID(dirA), WorkspaceID(dirA))
	assert.NotEqual(t, WorkspaceID(dirA), WorkspaceID(dirB))
	assert.Len(t, WorkspaceID(dirA), 16)
}
