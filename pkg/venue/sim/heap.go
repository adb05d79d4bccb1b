package sim

// maxTickHeap implements heap.Interface for bid ticks (highest on top)
type maxTickHeap []int64

func (h maxTickHeap) Len() int           { return len(h) }
func (h maxTickHeap) Less(i, j int) bool { return h[i] > h[j] }
func (h maxTickHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *maxTickHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }

func (h *maxTickHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// minTickHeap implements heap.Interface for ask ticks (lowest on top)
type minTickHeap []int64

func (h minTickHeap) Len() int           { return len(h) }
func (h minTickHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h minTickHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minTickHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }

func (h *minTickHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h maxTickHeap) peek() (int64, bool) {
	if len(h) == 0 {
		return 0, false
	}
	return h[0], true
}

func (h minTickHeap) peek() (int64, bool) {
	if len(h) == 0 {
		return 0, false
	}
	return h[0], true
}
