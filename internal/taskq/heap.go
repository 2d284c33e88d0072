package taskq

// pendingHeap orders task ids by priority (high first), then by
// submission sequence (FIFO within one priority). Entries carry the
// ordering keys so a task's later mutations never disturb the heap.
type pendingEntry struct {
	id       string
	priority Priority
	seq      uint64
}

type pendingHeap []pendingEntry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(pendingEntry)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
