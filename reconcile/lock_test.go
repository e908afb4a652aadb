package reconcile

import (
	"testing"

	"car.autorunner.dev/common"
	"github.com/stretchr/testify/require"
)

// newHeldLock takes the lock and returns its release func. Same-process
// contention is visible because each FileLock opens its own descriptor and
// flock locks on separate descriptors conflict.
func newHeldLock(t *testing.T, path string) func() {
	t.Helper()
	lock := common.NewFileLock(path)
	require.NoError(t, lock.Acquire())
	return func() { lock.Release() }
}
