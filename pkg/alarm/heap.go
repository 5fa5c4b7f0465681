package alarm

import "container/heap"

// alarmHeap is a min-heap of alarms ordered by FireAt.
type alarmHeap []Alarm

func (h alarmHeap) Len() int           { return len(h) }
func (h alarmHeap) Less(i, j int) bool { return h[i].FireAt.Before(h[j].FireAt) }
func (h alarmHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *alarmHeap) Push(x any) {
	*h = append(*h, x.(Alarm))
}

func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *alarmHeap) removeKey(key string) bool {
	for i, a := range *h {
		if a.Key == key {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}

func (h alarmHeap) find(key string) (Alarm, bool) {
	for _, a := range h {
		if a.Key == key {
			return a, true
		}
	}
	return Alarm{}, false
}
