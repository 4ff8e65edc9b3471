package reservamail

import (
	"container/heap"
)

type cronJobHeap []*cronJobScheduler

func (c cronJobHeap) Len() int           { return len(c) }
func (c cronJobHeap) Less(i, j int) bool { return c[i].nextRunAt.Before(c[j].nextRunAt) }
func (c cronJobHeap) Swap(i, j int)      { c[i], c[j] = c[j], c[i] }

func (c *cronJobHeap) Push(x any) {
	// Push and Pop use pointer receivers because they modify the slice's length,
	// not just its contents.
	*c = append(*c, x.(*cronJobScheduler))
}

func (c *cronJobHeap) Pop() any {
	old := *c
	n := len(old)
	x := old[n-1]
	*c = old[0 : n-1]
	return x
}

var _ JobSchedulerQueue[cronJobScheduler] = &jobSchedulerQueue{}

// JobSchedulerQueue orders periodic job runs by their next fire time.
type JobSchedulerQueue[T any] interface {
	Push(x *T)
	Pop() *T
	Peek() *T
	Len() int
}

type jobSchedulerQueue struct {
	cronJobHeap *cronJobHeap
}

func NewJobSchedulerQueue() JobSchedulerQueue[cronJobScheduler] {
	h := &cronJobHeap{}
	heap.Init(h)
	return &jobSchedulerQueue{
		cronJobHeap: h,
	}
}

func (j *jobSchedulerQueue) Push(x *cronJobScheduler) {
	heap.Push(j.cronJobHeap, x)
}

func (j *jobSchedulerQueue) Pop() *cronJobScheduler {
	return heap.Pop(j.cronJobHeap).(*cronJobScheduler)
}

func (j *jobSchedulerQueue) Peek() *cronJobScheduler {
	return (*j.cronJobHeap)[0]
}

func (j *jobSchedulerQueue) Len() int {
	return j.cronJobHeap.Len()
}
