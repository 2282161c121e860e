package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_New_StartsGrowing(t *testing.T) {
	tx := New(1, RepeatableRead)
	assert.Equal(t, uint64(1), tx.ID())
	assert.Equal(t, RepeatableRead, tx.IsolationLevel())
	assert.Equal(t, Growing, tx.State())
}

func TestTransaction_RecordAndForgetTableLock_RoundTrips(t *testing.T) {
	tx := New(1, RepeatableRead)
	assert.False(t, tx.IsTableSharedLocked(7))

	tx.RecordTableLock(Shared, 7)
	assert.True(t, tx.IsTableSharedLocked(7))
	assert.False(t, tx.IsTableExclusiveLocked(7))

	tx.ForgetTableLock(Shared, 7)
	assert.False(t, tx.IsTableSharedLocked(7))
}

func TestTransaction_RecordRowLock_HasRowLocksReflectsState(t *testing.T) {
	tx := New(1, RepeatableRead)
	assert.False(t, tx.HasRowLocks(1))

	tx.RecordRowLock(Shared, 1, RID{PageID: 5, SlotNum: 0})
	assert.True(t, tx.HasRowLocks(1))

	tx.ForgetRowLock(Shared, 1, RID{PageID: 5, SlotNum: 0})
	assert.False(t, tx.HasRowLocks(1))
}

func TestTransaction_RowSetLocked_PanicsOnIntentionMode(t *testing.T) {
	tx := New(1, RepeatableRead)
	assert.Panics(t, func() { tx.RecordRowLock(IntentionShared, 1, RID{PageID: 1}) })
}

func TestTransaction_HeldTableLocks_ListsEveryGrant(t *testing.T) {
	tx := New(2, ReadCommitted)
	tx.RecordTableLock(IntentionShared, 1)
	tx.RecordTableLock(Exclusive, 2)

	held := tx.HeldTableLocks()
	require.Len(t, held, 2)
}

func TestTransaction_HeldRowLocks_SeparatesSharedAndExclusive(t *testing.T) {
	tx := New(3, ReadCommitted)
	tx.RecordRowLock(Shared, 1, RID{PageID: 1})
	tx.RecordRowLock(Exclusive, 1, RID{PageID: 2})

	held := tx.HeldRowLocks()
	require.Len(t, held, 2)
	assert.ElementsMatch(t, []struct {
		Mode  Mode
		Table TableID
		RID   RID
	}{{Shared, 1, RID{PageID: 1}}, {Exclusive, 1, RID{PageID: 2}}}, held)
}

func TestTransaction_SetState_Transitions(t *testing.T) {
	tx := New(1, RepeatableRead)
	tx.SetState(Shrinking)
	assert.Equal(t, Shrinking, tx.State())
	tx.SetState(Committed)
	assert.Equal(t, Committed, tx.State())
}

func TestTransaction_WriteSets_RecordInOrderAndCopyOnRead(t *testing.T) {
	tx := New(1, RepeatableRead)
	tx.RecordTableWrite(TableWriteRecord{Type: WriteInsert, Table: 1, RID: RID{PageID: 1}})
	tx.RecordTableWrite(TableWriteRecord{Type: WriteDelete, Table: 1, RID: RID{PageID: 2}})

	set := tx.TableWriteSet()
	require.Len(t, set, 2)
	assert.Equal(t, WriteInsert, set[0].Type)
	assert.Equal(t, WriteDelete, set[1].Type)

	// mutating the returned snapshot must not affect internal state.
	set[0].Type = WriteUpdate
	assert.Equal(t, WriteInsert, tx.TableWriteSet()[0].Type)
}
