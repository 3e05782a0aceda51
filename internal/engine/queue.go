package engine

import (
	"container/heap"
	"sync"
	"time"
)

// JobQueue 去重优先级队列
// 高优先级先出队，同优先级按入队顺序；相同Key的任务只保留一份
type JobQueue struct {
	mutex  sync.Mutex
	cond   *sync.Cond
	items  jobHeap
	keys   map[string]struct{}
	seq    uint64
	closed bool
}

// NewJobQueue 创建任务队列
func NewJobQueue() *JobQueue {
	q := &JobQueue{keys: make(map[string]struct{})}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

// Push 入队任务，重复任务返回false
func (q *JobQueue) Push(job *Job) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return false
	}

	key := job.Key()
	if _, exists := q.keys[key]; exists {
		return false
	}

	q.seq++
	job.seq = q.seq
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	q.keys[key] = struct{}{}
	heap.Push(&q.items, job)
	q.cond.Signal()
	return true
}

// Requeue 将任务重新入队（让位给其他账户的任务）
// 保留原有的入队时间，重新分配序号使其排到同优先级末尾
func (q *JobQueue) Requeue(job *Job) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return
	}

	key := job.Key()
	if _, exists := q.keys[key]; exists {
		return
	}

	q.seq++
	job.seq = q.seq
	q.keys[key] = struct{}{}
	heap.Push(&q.items, job)
	q.cond.Signal()
}

// Pop 出队最高优先级的任务，队列为空时阻塞
// 队列关闭且排空后返回nil
func (q *JobQueue) Pop() *Job {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.items) == 0 {
		return nil
	}

	job := heap.Pop(&q.items).(*Job)
	delete(q.keys, job.Key())
	return job
}

// TryPop 非阻塞出队，队列为空时返回nil
func (q *JobQueue) TryPop() *Job {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	job := heap.Pop(&q.items).(*Job)
	delete(q.keys, job.Key())
	return job
}

// Len 返回队列长度
func (q *JobQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

// Contains 检查队列中是否已有相同任务
func (q *JobQueue) Contains(job *Job) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	_, exists := q.keys[job.Key()]
	return exists
}

// Close 关闭队列，唤醒所有等待者
func (q *JobQueue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// jobHeap 实现container/heap接口
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(*Job))
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
