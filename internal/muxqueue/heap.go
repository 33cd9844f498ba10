package muxqueue

// entryHeap orders entries by (PTS, kind rank, insertion sequence).
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Unit.PTS != b.Unit.PTS {
		return a.Unit.PTS < b.Unit.PTS
	}
	if ra, rb := a.Unit.Kind.Rank(), b.Unit.Kind.Rank(); ra != rb {
		return ra < rb
	}
	return a.Seq < b.Seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
