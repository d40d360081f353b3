// ABOUTME: Bounded FIFO history of finished tasks
// ABOUTME: The oldest entry is evicted first once the cap is reached

package bridge

import (
	"container/list"

	"github.com/2389/coven-agent/internal/task"
)

// HistoryLimit is the number of finished tasks kept in memory.
const HistoryLimit = 50

// history is guarded by the owning Bridge's mutex so a task is always in
// exactly one of active and history.
type history struct {
	limit int
	order *list.List // oldest at front
}

func newHistory(limit int) *history {
	return &history{limit: limit, order: list.New()}
}

func (h *history) add(a task.Active) {
	h.order.PushBack(a)
	for h.order.Len() > h.limit {
		h.order.Remove(h.order.Front())
	}
}

// last returns up to n entries, oldest first.
func (h *history) last(n int) []task.Active {
	if n > h.order.Len() {
		n = h.order.Len()
	}
	out := make([]task.Active, n)
	el := h.order.Back()
	for i := n - 1; i >= 0; i-- {
		out[i] = el.Value.(task.Active)
		el = el.Prev()
	}
	return out
}

func (h *history) len() int {
	return h.order.Len()
}
