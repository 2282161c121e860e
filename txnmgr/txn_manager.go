// Package txnmgr implements spec.md §4.6's transaction manager: begin/commit/abort on top
// of package txn's Transaction and package lock's LockManager. Grounded on the original's
// TransactionManager (original_source/src/concurrency/transaction_manager.cpp).
package txnmgr

import (
	"sync/atomic"

	"latchdb/index/bptree"
	"latchdb/lock"
	"latchdb/txn"
)

// TupleStore is the minimal table-heap interface Abort's table-write undo needs. The
// actual tuple storage is out of this core's scope (spec.md §6: "Catalog consumed by
// executors, not by the core"), so this names only the three operations the undo log
// replays, leaving the concrete table heap to whoever embeds this core.
type TupleStore interface {
	MarkDeleted(rid txn.RID) error
	ClearTombstone(rid txn.RID) error
	RestoreTuple(rid txn.RID, oldImage []byte) error
}

// TxnManager begins transactions and drives their commit/abort lifecycle. tables maps a
// txn.TableID to the TupleStore Abort should undo table writes against, and indexes maps a
// txn.IndexHandle to the *bptree.BPlusTree Abort should undo index writes against — the
// B+-tree is this core's only index implementation, so there is no need for an interface
// indirection beyond the handle lookup itself.
type TxnManager struct {
	locks  *lock.LockManager
	nextID atomic.Uint64

	tables  map[txn.TableID]TupleStore
	indexes map[txn.IndexHandle]*bptree.BPlusTree
}

func NewTxnManager(locks *lock.LockManager) *TxnManager {
	return &TxnManager{
		locks:   locks,
		tables:  make(map[txn.TableID]TupleStore),
		indexes: make(map[txn.IndexHandle]*bptree.BPlusTree),
	}
}

// RegisterTable tells the manager which TupleStore backs a table, so Abort can undo
// writes recorded against it.
func (tm *TxnManager) RegisterTable(table txn.TableID, store TupleStore) {
	tm.tables[table] = store
}

// RegisterIndex tells the manager which B+-tree a given IndexHandle resolves to.
func (tm *TxnManager) RegisterIndex(handle txn.IndexHandle, index *bptree.BPlusTree) {
	tm.indexes[handle] = index
}

// Begin allocates a fresh transaction id and returns a new GROWING transaction at the
// given isolation level. Ids start at 1 so that 0 can remain a reserved "no transaction"
// sentinel in the lock manager's upgrade bookkeeping.
func (tm *TxnManager) Begin(isolation txn.IsolationLevel) *txn.Transaction {
	id := tm.nextID.Add(1)
	return txn.New(id, isolation)
}

// Commit releases every lock t holds and marks it COMMITTED.
func (tm *TxnManager) Commit(t *txn.Transaction) {
	tm.locks.ReleaseLocks(t)
	t.SetState(txn.Committed)
}

// Abort undoes t's writes in reverse order, releases its locks, and marks it ABORTED.
// Per spec.md §4.6: table writes first (INSERT -> mark deleted, DELETE -> clear tombstone,
// UPDATE -> restore prior bytes), then index writes (INSERT -> delete entry, DELETE ->
// re-insert entry, UPDATE -> delete new key, insert old key). Undo failures are not
// recoverable — spec.md names no fallback — so they are surfaced as a panic rather than
// silently leaving the transaction's effects half-undone.
func (tm *TxnManager) Abort(t *txn.Transaction) {
	tableWrites := t.TableWriteSet()
	for i := len(tableWrites) - 1; i >= 0; i-- {
		tm.undoTableWrite(tableWrites[i])
	}

	indexWrites := t.IndexWriteSet()
	for i := len(indexWrites) - 1; i >= 0; i-- {
		tm.undoIndexWrite(indexWrites[i])
	}

	tm.locks.ReleaseLocks(t)
	t.SetState(txn.Aborted)
}

func (tm *TxnManager) undoTableWrite(rec txn.TableWriteRecord) {
	store, ok := tm.tables[rec.Table]
	if !ok {
		panic("txnmgr: abort undo referenced an unregistered table")
	}

	var err error
	switch rec.Type {
	case txn.WriteInsert:
		err = store.MarkDeleted(rec.RID)
	case txn.WriteDelete:
		err = store.ClearTombstone(rec.RID)
	case txn.WriteUpdate:
		err = store.RestoreTuple(rec.RID, rec.OldImage)
	}
	if err != nil {
		panic("txnmgr: abort undo of table write failed: " + err.Error())
	}
}

func (tm *TxnManager) undoIndexWrite(rec txn.IndexWriteRecord) {
	index, ok := tm.indexes[rec.Index]
	if !ok {
		panic("txnmgr: abort undo referenced an unregistered index")
	}
	rid := bptree.RID{PageID: rec.RID.PageID, SlotNum: rec.RID.SlotNum}

	switch rec.Type {
	case txn.WriteInsert:
		index.Delete(rec.NewKey.(bptree.Key))
	case txn.WriteDelete:
		if err := index.Insert(rec.OldKey.(bptree.Key), rid); err != nil {
			panic("txnmgr: abort undo of index delete failed: " + err.Error())
		}
	case txn.WriteUpdate:
		index.Delete(rec.NewKey.(bptree.Key))
		if err := index.Insert(rec.OldKey.(bptree.Key), rid); err != nil {
			panic("txnmgr: abort undo of index update failed: " + err.Error())
		}
	}
}
