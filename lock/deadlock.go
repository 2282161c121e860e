package lock

import (
	"sort"
	"time"

	"latchdb/common"
	"latchdb/txn"
)

// deadlockDetectorLoop is spec.md §4.5's background task: on a fixed interval, rebuild the
// waits-for graph from the current queues and abort cycle participants until none remain.
// Grounded on the teacher's deadlockDetectorRoutine/buildWaitGraph/detectDeadlock, generalized
// from its 2s ticker and single-resource-kind map to common.DeadlockDetectionInterval and
// both table and row queues.
func (lm *LockManager) deadlockDetectorLoop() {
	ticker := time.NewTicker(common.DeadlockDetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lm.runDetectionRound()
		case <-lm.stopCh:
			return
		}
	}
}

func (lm *LockManager) snapshotQueues() []*queue {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	qs := make([]*queue, 0, len(lm.tableQueues)+len(lm.rowQueues))
	for _, q := range lm.tableQueues {
		qs = append(qs, q)
	}
	for _, q := range lm.rowQueues {
		qs = append(qs, q)
	}
	return qs
}

// runDetectionRound rebuilds the graph and aborts the youngest participant of any cycle
// found, repeating against a freshly rebuilt graph until a pass turns up no cycle — per
// spec.md §4.5: "Repeat until no cycle remains."
func (lm *LockManager) runDetectionRound() {
	for {
		graph := lm.buildWaitGraph()
		cycle := findCycle(graph)
		if cycle == nil {
			return
		}
		lm.abortTransaction(findLargestTxID(cycle))
	}
}

// buildWaitGraph adds an edge from every un-granted, non-aborted request's transaction to
// every granted, non-aborted request's transaction on the same resource, skipping
// self-edges (a transaction's own upgrade request waits on its own prior grant only in the
// sense that it already released it before re-queueing, so no self-edge is possible, but
// the skip is kept for the same reason the teacher's version keeps it: safety).
func (lm *LockManager) buildWaitGraph() map[uint64]map[uint64]bool {
	graph := make(map[uint64]map[uint64]bool)
	for _, q := range lm.snapshotQueues() {
		q.mu.Lock()
		for _, waiter := range q.requests {
			if waiter.granted || waiter.txn.State() == txn.Aborted {
				continue
			}
			for _, owner := range q.requests {
				if !owner.granted || owner.txn.State() == txn.Aborted {
					continue
				}
				if owner.txn.ID() == waiter.txn.ID() {
					continue
				}
				if graph[waiter.txn.ID()] == nil {
					graph[waiter.txn.ID()] = make(map[uint64]bool)
				}
				graph[waiter.txn.ID()][owner.txn.ID()] = true
			}
		}
		q.mu.Unlock()
	}
	return graph
}

// findCycle runs DFS from every node with outgoing edges, visiting children in ascending
// txn_id order for determinism, and returns the first cycle found as the slice of txn ids
// on it (in traversal order), or nil if the graph is acyclic.
func findCycle(graph map[uint64]map[uint64]bool) []uint64 {
	var roots []uint64
	for id := range graph {
		roots = append(roots, id)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	visited := make(map[uint64]bool)
	var stack []uint64
	onStack := make(map[uint64]bool)

	var dfs func(uint64) []uint64
	dfs = func(id uint64) []uint64 {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		var children []uint64
		for c := range graph[id] {
			children = append(children, c)
		}
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })

		for _, next := range children {
			if !visited[next] {
				if cyc := dfs(next); cyc != nil {
					return cyc
				}
			} else if onStack[next] {
				for i, v := range stack {
					if v == next {
						cyc := make([]uint64, len(stack)-i)
						copy(cyc, stack[i:])
						return cyc
					}
				}
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range roots {
		if !visited[id] {
			if cyc := dfs(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// findLargestTxID picks the youngest participant of a detected cycle. spec.md §4.5/§8
// mandates aborting the youngest (largest txn_id); the teacher's own detector instead
// picks the smallest (a deliberate throughput/starvation tradeoff noted inline in
// locker/lock_manager.go's findSmallestTxID). This module follows spec.md's explicit rule
// over the teacher's default, keeping the teacher's naming for the function it actually
// wires in.
func findLargestTxID(ids []uint64) uint64 {
	max := ids[0]
	for _, id := range ids[1:] {
		if id > max {
			max = id
		}
	}
	return max
}

// abortTransaction sets victim's state to Aborted, then walks every queue removing any
// still-waiting request belonging to it and sending ErrDeadlock on that request's channel
// — the equivalent, in this channel-based design, of a cv-woken waiter checking its own
// state and backing out. Requests already granted are left alone: those locks are released
// normally once the victim's own goroutine observes the error and calls into the
// transaction manager's Abort.
func (lm *LockManager) abortTransaction(victimID uint64) {
	queues := lm.snapshotQueues()

	for _, q := range queues {
		q.mu.Lock()
		for _, r := range q.requests {
			if r.txn.ID() == victimID {
				r.txn.SetState(txn.Aborted)
				break
			}
		}
		q.mu.Unlock()
	}

	for _, q := range queues {
		q.mu.Lock()
		var victims []*request
		for _, r := range q.requests {
			if r.txn.ID() == victimID && !r.granted {
				victims = append(victims, r)
			}
		}
		for _, r := range victims {
			removeRequest(q, r)
		}
		if q.upgrading == victimID {
			q.upgrading = 0
		}
		granted := grantPass(q)
		q.mu.Unlock()

		for _, r := range victims {
			r.resp <- ErrDeadlock
		}
		for _, g := range granted {
			g.resp <- nil
		}
	}
}
