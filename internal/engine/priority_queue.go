package engine

import "time"

// Item 是优先级队列中的元素，代表一个等待规划的 Lot
type Item struct {
	LotID    string
	Priority int       // Lot 优先级，数值越大越先处理
	Enqueued time.Time // 相同优先级时先到先得
	index    int
}

// PriorityQueue 实现了 heap.Interface，是按 Lot 优先级排序的最大堆
type PriorityQueue []*Item

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	if pq[i].Priority == pq[j].Priority {
		return pq[i].Enqueued.Before(pq[j].Enqueued)
	}
	return pq[i].Priority > pq[j].Priority
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}
