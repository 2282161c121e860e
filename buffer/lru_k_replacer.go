package buffer

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoVictim names the condition in which no frame is evictable. Evict itself reports that
// case through its boolean result, not through this error.
var ErrNoVictim = errors.New("buffer: no evictable frame")

// node tracks the access history of a single frame, capped at k timestamps. history[0] is
// the oldest recorded access still retained.
type node struct {
	history   []uint64
	evictable bool
}

// Replacer is spec.md §4.1's LRU-K victim-selection policy: it owns no pages, only frame
// ids and access history, and hands the pool a frame to reclaim.
type Replacer struct {
	mu               sync.Mutex
	capacity         int
	k                int
	currentTimestamp uint64
	nodeStore        map[int]*node
	evictableCount   int
}

// NewReplacer constructs a replacer for a pool of the given frame capacity, tracking the k
// most recent accesses per frame.
func NewReplacer(capacity, k int) *Replacer {
	return &Replacer{
		capacity:  capacity,
		k:         k,
		nodeStore: make(map[int]*node),
	}
}

// RecordAccess appends a new access timestamp for frameID, creating its node on first
// access. Panics if frameID is out of range, mirroring the original's BUSTUB_ASSERT.
func (r *Replacer) RecordAccess(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if frameID < 0 || frameID >= r.capacity {
		panic(fmt.Sprintf("buffer: frame id %d out of replacer range", frameID))
	}

	n, ok := r.nodeStore[frameID]
	if !ok {
		n = &node{}
		r.nodeStore[frameID] = n
	}

	n.history = append(n.history, r.currentTimestamp)
	if len(n.history) > r.k {
		n.history = n.history[1:]
	}
	r.currentTimestamp++
}

// SetEvictable toggles whether frameID may be chosen by Evict, adjusting the evictable
// count. Panics if the frame has no recorded access yet.
func (r *Replacer) SetEvictable(frameID int, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodeStore[frameID]
	if !ok {
		panic(fmt.Sprintf("buffer: frame id %d has no access history", frameID))
	}

	if evictable && !n.evictable {
		n.evictable = true
		r.evictableCount++
	} else if !evictable && n.evictable {
		n.evictable = false
		r.evictableCount--
	}
}

// Remove drops frameID's history outright. A no-op if the frame is unknown; panics if the
// frame is known but still pinned (not evictable).
func (r *Replacer) Remove(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodeStore[frameID]
	if !ok {
		return
	}
	if !n.evictable {
		panic(fmt.Sprintf("buffer: frame id %d is not evictable, cannot remove", frameID))
	}

	delete(r.nodeStore, frameID)
	r.evictableCount--
}

// Evict selects the evictable frame with the largest backward k-distance and removes its
// history. Frames with fewer than k accesses have infinite backward distance and are
// preferred, tie-broken by earliest oldest access (classical LRU); among frames with k or
// more accesses the victim has the smallest k-th-most-recent timestamp (equivalently the
// largest "distance since the k-th access").
func (r *Replacer) Evict() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	haveInf := false
	var bestFrame int
	var bestMetric uint64

	for frameID, n := range r.nodeStore {
		if !n.evictable {
			continue
		}

		oldest := n.history[0]
		distance := r.currentTimestamp - oldest

		if len(n.history) < r.k {
			if !found || !haveInf || distance > bestMetric {
				found = true
				haveInf = true
				bestMetric = distance
				bestFrame = frameID
			}
			continue
		}

		if haveInf {
			continue
		}

		if !found || distance > bestMetric {
			found = true
			bestMetric = distance
			bestFrame = frameID
		}
	}

	if !found {
		return 0, false
	}

	delete(r.nodeStore, bestFrame)
	r.evictableCount--
	return bestFrame, true
}

// Size returns the number of currently evictable frames.
func (r *Replacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictableCount
}
