package sys

import "errors"

// ErrLocked is returned when another process holds the data directory lock.
var ErrLocked = errors.New("lock is held by another process")

// LockFileName is the name of the lock file inside a data directory.
const LockFileName = "LOCK"
