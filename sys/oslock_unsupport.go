//go:build !unix

package sys

import "time"

// AcquireOSFileLock is a no-op where flock is unavailable; the returned release
// function does nothing.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	return func() error { return nil }, nil
}
