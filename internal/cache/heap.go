package cache

// heapItem is a lazily-stale score snapshot for one cached key; the
// authoritative entry lives in Cache.entries and may have a fresher freq or
// lastAccess than what heapItem.score reflects (see scoreEpsilon).
type heapItem struct {
	key   string
	score float64
}

// scoreHeap is a container/heap.Interface min-heap ordered by score, so the
// lowest-score (most evictable) entry is always at index 0.
type scoreHeap []*heapItem

func (h scoreHeap) Len() int            { return len(h) }
func (h scoreHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h scoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoreHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *scoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
