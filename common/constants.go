package common

import "time"

// DeadlockDetectionInterval is the cadence at which the lock manager's background detector
// rebuilds the waits-for graph and looks for cycles.
const DeadlockDetectionInterval = time.Millisecond * 50

// InvalidPageID is the sentinel page id meaning "no page" (an empty tree, a leaf with no
// right sibling, ...).
const InvalidPageID uint64 = 0
