package piece

import (
	"math/rand"
	"sync"

	"github.com/arjbhat/leech/internal/bitfield"
)

// Status is a piece's lifecycle state as tracked by the Controller.
type Status uint8

const (
	// StatusMissing means the piece has not been picked by any session.
	StatusMissing Status = iota
	// StatusPicked means a Download Manager has claimed the piece and is
	// currently fetching its blocks.
	StatusPicked
	// StatusHave means the piece has been written and verified.
	StatusHave
)

// Controller implements rarest-first piece selection.
//
// Pieces are kept in pieceList, a permutation sorted by non-decreasing
// peer count. bound[c] and low[c] record, for every count c currently
// present, the last and first index of its contiguous run — together they
// let increase and decrease relocate a single piece in O(1) instead of
// re-sorting.
//
// A Controller is safe for concurrent use.
type Controller struct {
	mu sync.RWMutex

	peerCount []int
	status    []Status
	listIdx   []int
	pieceList []int

	bound map[int]int
	low   map[int]int

	haveCount int

	rng *rand.Rand
}

// NewController returns a Controller for pieceCount pieces, all initially
// Missing with a peer count of 0.
func NewController(pieceCount int) *Controller {
	c := &Controller{
		peerCount: make([]int, pieceCount),
		status:    make([]Status, pieceCount),
		listIdx:   make([]int, pieceCount),
		pieceList: make([]int, pieceCount),
		bound:     make(map[int]int),
		low:       make(map[int]int),
		rng:       rand.New(rand.NewSource(1)),
	}

	for i := 0; i < pieceCount; i++ {
		c.pieceList[i] = i
		c.listIdx[i] = i
	}

	if pieceCount > 0 {
		c.bound[0] = pieceCount - 1
		c.low[0] = 0
	}

	return c
}

// Increase records that one more peer has piece p, moving it from bucket
// peerCount[p] to bucket peerCount[p]+1.
func (c *Controller) Increase(p int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cnt := c.peerCount[p]
	k, ok := c.bound[cnt]
	if !ok {
		return // p's bucket doesn't exist; nothing to do (shouldn't happen)
	}

	idx := c.listIdx[p]
	c.swap(idx, k)

	c.peerCount[p]++
	newCnt := cnt + 1

	if k-1 >= c.low[cnt] {
		c.bound[cnt] = k - 1
	} else {
		delete(c.bound, cnt)
		delete(c.low, cnt)
	}

	if _, ok := c.low[newCnt]; !ok {
		c.low[newCnt] = k
		c.bound[newCnt] = k
	} else {
		c.low[newCnt] = k
	}

	c.shuffleWithinBucket(newCnt, c.listIdx[p])
}

// Decrease records that one fewer peer has piece p (e.g. on disconnect),
// moving it from bucket peerCount[p] to bucket peerCount[p]-1. It mirrors
// Increase exactly, using low instead of bound as the swap target.
func (c *Controller) Decrease(p int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cnt := c.peerCount[p]
	if cnt == 0 {
		return
	}

	k, ok := c.low[cnt]
	if !ok {
		return
	}

	idx := c.listIdx[p]
	c.swap(idx, k)

	c.peerCount[p]--
	newCnt := cnt - 1

	if k+1 <= c.bound[cnt] {
		c.low[cnt] = k + 1
	} else {
		delete(c.bound, cnt)
		delete(c.low, cnt)
	}

	if _, ok := c.bound[newCnt]; !ok {
		c.low[newCnt] = k
		c.bound[newCnt] = k
	} else {
		c.bound[newCnt] = k
	}

	c.shuffleWithinBucket(newCnt, c.listIdx[p])
}

// swap exchanges pieceList[i] and pieceList[j] and keeps listIdx in sync.
func (c *Controller) swap(i, j int) {
	if i == j {
		return
	}

	c.pieceList[i], c.pieceList[j] = c.pieceList[j], c.pieceList[i]
	c.listIdx[c.pieceList[i]] = i
	c.listIdx[c.pieceList[j]] = j
}

// shuffleWithinBucket swaps the piece currently at position pos with a
// random position inside its own bucket, so that repeated increase/decrease
// traffic doesn't leave ties ordered by call history. Both positions share
// the same peer count, so the sorted invariant is preserved either way.
func (c *Controller) shuffleWithinBucket(cnt, pos int) {
	lo, hi := c.low[cnt], c.bound[cnt]
	if hi <= lo {
		return
	}

	j := lo + c.rng.Intn(hi-lo+1)
	c.swap(pos, j)
}

// Pick scans buckets in rarest-first order and returns the first piece that
// is Missing and present in peerBitfield. ok is false if none qualifies.
func (c *Controller) Pick(peerBitfield bitfield.Bitfield) (p int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, idx := range c.pieceList {
		if c.status[idx] == StatusMissing && peerBitfield.Has(idx) {
			return idx, true
		}
	}

	return 0, false
}

// MarkPicked transitions piece p to Picked.
func (c *Controller) MarkPicked(p int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status[p] = StatusPicked
}

// MarkHave transitions piece p to Have and reports whether every piece is
// now Have.
func (c *Controller) MarkHave(p int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status[p] != StatusHave {
		c.status[p] = StatusHave
		c.haveCount++
	}

	return c.haveCount == len(c.status)
}

// Status returns piece p's current lifecycle state.
func (c *Controller) Status(p int) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.status[p]
}

// PeerCount returns the number of peers currently known to have piece p.
func (c *Controller) PeerCount(p int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.peerCount[p]
}
