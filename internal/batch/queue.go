package batch

import "container/heap"

// queuedItem is one entry in the scheduler's priority queue.
type queuedItem struct {
	batch *Batch
	seq   uint64 // intake order, breaks ties within a priority (FIFO)
	index int    // heap bookkeeping
}

// priorityQueue orders by priority rank ascending, then by intake sequence
// ascending — high-priority batches first, FIFO within a priority.
type priorityQueue []*queuedItem

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	ri, rj := priorityRank(q[i].batch.Priority), priorityRank(q[j].batch.Priority)
	if ri != rj {
		return ri < rj
	}
	return q[i].seq < q[j].seq
}

func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *priorityQueue) Push(x any) {
	item := x.(*queuedItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

var _ heap.Interface = (*priorityQueue)(nil)
