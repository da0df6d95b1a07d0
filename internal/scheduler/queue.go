package scheduler

import (
	"sync"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// entry is a queued task tagged with the page it was read from.
type entry struct {
	task crawler.Task
	page int
}

// TaskQueue is a FIFO of pending tasks. Requeued tasks go to the back so a
// task whose slot keeps dying does not starve the rest of the page.
type TaskQueue struct {
	mu    sync.Mutex
	items []entry
}

func newTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Push appends tasks read from page.
func (q *TaskQueue) Push(page int, tasks ...crawler.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		q.items = append(q.items, entry{task: t, page: page})
	}
}

func (q *TaskQueue) pushBack(e entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, e)
}

func (q *TaskQueue) pop() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return entry{}, false
	}
	e := q.items[0]
	q.items[0] = entry{}
	q.items = q.items[1:]
	return e, true
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
