package scheduler

import "time"

// lane is the FIFO of one session key. It only holds turn IDs; the turns
// themselves live in Scheduler.turns.
type lane struct {
	key     string
	pending []string
	running string // "" when idle

	// head ordering data, refreshed whenever pending[0] changes
	headArrived time.Time
	headSeq     uint64

	index int // position in the ready heap, -1 when absent
}

func newLane(key string) *lane {
	return &lane{key: key, index: -1}
}

func (l *lane) idle() bool { return l.running == "" }

func (l *lane) empty() bool { return len(l.pending) == 0 }

// remove deletes id from the pending queue. Reports whether it was found and
// whether it was the head.
func (l *lane) remove(id string) (found, wasHead bool) {
	for i, p := range l.pending {
		if p == id {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return true, i == 0
		}
	}
	return false, false
}

// readyHeap orders idle lanes with pending work by the arrival of their
// oldest pending turn, so the longest-waiting session gets the next slot.
type readyHeap []*lane

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.headArrived.Equal(b.headArrived) {
		return a.headArrived.Before(b.headArrived)
	}
	return a.headSeq < b.headSeq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x interface{}) {
	l := x.(*lane)
	l.index = len(*h)
	*h = append(*h, l)
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	l := old[n-1]
	old[n-1] = nil
	l.index = -1
	*h = old[:n-1]
	return l
}
