package txn

// WriteType classifies a write-set record so Abort knows how to undo it, mirroring the
// original's WType enum (INSERT/DELETE/UPDATE) exactly.
type WriteType int

const (
	WriteInsert WriteType = iota
	WriteDelete
	WriteUpdate
)

// TableWriteRecord captures one mutation to a tuple store, in the order it happened, so
// Abort can undo the transaction's table writes by walking this slice in reverse. The
// actual tuple storage lives outside this core (spec.md §6: "Catalog consumed by
// executors, not by the core") — OldImage carries whatever bytes the store needs handed
// back to reconstruct the prior state for an UPDATE undo.
type TableWriteRecord struct {
	Type     WriteType
	Table    TableID
	RID      RID
	OldImage []byte
}

// IndexWriteRecord captures one mutation to an index entry, so Abort can undo the
// transaction's index writes by walking this slice in reverse: INSERT is undone by
// deleting NewKey (OldKey is unused); DELETE is undone by re-inserting OldKey with RID;
// UPDATE is undone by deleting NewKey and re-inserting OldKey with RID.
type IndexWriteRecord struct {
	Type   WriteType
	Index  IndexHandle
	OldKey any
	NewKey any
	RID    RID
}

// IndexHandle is whatever an index-write undo needs to find the right index again; the
// txn package doesn't know or care what concrete index type it names.
type IndexHandle any

// RecordTableWrite appends a table-write record, to be undone in reverse order on abort.
func (t *Transaction) RecordTableWrite(rec TableWriteRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tableWriteSet = append(t.tableWriteSet, rec)
}

// RecordIndexWrite appends an index-write record, to be undone in reverse order on abort.
func (t *Transaction) RecordIndexWrite(rec IndexWriteRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexWriteSet = append(t.indexWriteSet, rec)
}

// TableWriteSet returns a snapshot of the recorded table writes, oldest first. Callers
// that need to undo in reverse (txnmgr.Abort) iterate it backwards themselves.
func (t *Transaction) TableWriteSet() []TableWriteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TableWriteRecord, len(t.tableWriteSet))
	copy(out, t.tableWriteSet)
	return out
}

// IndexWriteSet returns a snapshot of the recorded index writes, oldest first.
func (t *Transaction) IndexWriteSet() []IndexWriteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]IndexWriteRecord, len(t.indexWriteSet))
	copy(out, t.indexWriteSet)
	return out
}
