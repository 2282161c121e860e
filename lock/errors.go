package lock

import "errors"

// These are spec.md §7's AbortReason values. Each is returned by LockManager only after
// the offending transaction's state has already been set to Aborted, mirroring the
// original's ThrowAbort (set state, then raise) exactly.
var (
	ErrLockOnShrinking             = errors.New("lock: attempted to acquire a lock while transaction is shrinking")
	ErrLockSharedOnReadUncommitted = errors.New("lock: shared-family lock requested under read uncommitted")
	ErrUpgradeConflict              = errors.New("lock: another transaction is already upgrading this lock")
	ErrIncompatibleUpgrade           = errors.New("lock: requested upgrade is not a permitted transition")
	ErrAttemptedUnlockButNoLockHeld = errors.New("lock: attempted to unlock a resource with no lock held")
	ErrTableUnlockedBeforeRows      = errors.New("lock: attempted to unlock a table while row locks are still held")
	ErrAttemptedIntentionLockOnRow  = errors.New("lock: row locks may only be taken in shared or exclusive mode")
	ErrTableLockNotPresent         = errors.New("lock: row lock requires a compatible intention lock on the table")

	// ErrDeadlock is returned to a waiter whose transaction the background detector chose
	// as the cycle's victim.
	ErrDeadlock = errors.New("lock: deadlock detected, transaction aborted")
)
