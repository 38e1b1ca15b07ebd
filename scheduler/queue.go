package scheduler

import "sync"

// taskQueue 按优先级分桶的任务队列。高优先级桶先出队，
// 同一桶内严格先进先出。全部任务在会话创建时一次性入队。
type taskQueue struct {
	mu      sync.Mutex
	buckets [numPriorities][]*Task
	size    int
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// push 按优先级入桶。越界的优先级收敛到最近的合法档。
func (q *taskQueue) push(task *Task) {
	p := task.Priority
	if p < PriorityLow {
		p = PriorityLow
	}
	if p > PriorityUrgent {
		p = PriorityUrgent
	}

	q.mu.Lock()
	q.buckets[p] = append(q.buckets[p], task)
	q.size++
	q.mu.Unlock()
}

// next 取出当前最高优先级桶的队首任务。队列空时返回 false。
func (q *taskQueue) next() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := numPriorities - 1; p >= 0; p-- {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		task := bucket[0]
		q.buckets[p] = bucket[1:]
		q.size--
		return task, true
	}
	return nil, false
}

// drain 取走全部剩余任务（按出队顺序），供会话取消时批量转终态
func (q *taskQueue) drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := make([]*Task, 0, q.size)
	for p := numPriorities - 1; p >= 0; p-- {
		remaining = append(remaining, q.buckets[p]...)
		q.buckets[p] = nil
	}
	q.size = 0
	return remaining
}

// len 当前排队任务数
func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
