package taskmgr

import (
	"github.com/zyedidia/generic/list"

	"github.com/sympathy-lab/sytask/taskproto"
)

// waitQueue is an insertion ordered map of tasks that have no worker yet.
// Re-adding a queued id replaces its message but keeps its position.
type waitQueue struct {
	order *list.List[taskproto.Message]
	index map[taskproto.TaskID]*list.Node[taskproto.Message]
}

func newWaitQueue() *waitQueue {
	return &waitQueue{
		order: list.New[taskproto.Message](),
		index: map[taskproto.TaskID]*list.Node[taskproto.Message]{},
	}
}

func (q *waitQueue) Len() int {
	return len(q.index)
}

func (q *waitQueue) Has(id taskproto.TaskID) bool {
	_, ok := q.index[id]
	return ok
}

func (q *waitQueue) Put(msg taskproto.Message) {
	if n, ok := q.index[msg.TaskID]; ok {
		n.Value = msg
		return
	}
	n := &list.Node[taskproto.Message]{Value: msg}
	q.order.PushBackNode(n)
	q.index[msg.TaskID] = n
}

func (q *waitQueue) Remove(id taskproto.TaskID) bool {
	n, ok := q.index[id]
	if !ok {
		return false
	}
	q.order.Remove(n)
	delete(q.index, id)
	return true
}

// PopFront removes and returns the oldest task.
func (q *waitQueue) PopFront() (taskproto.Message, bool) {
	n := q.order.Front
	if n == nil {
		return taskproto.Message{}, false
	}
	q.order.Remove(n)
	delete(q.index, n.Value.TaskID)
	return n.Value, true
}

func (q *waitQueue) IDs() []taskproto.TaskID {
	out := make([]taskproto.TaskID, 0, len(q.index))
	for n := q.order.Front; n != nil; n = n.Next {
		out = append(out, n.Value.TaskID)
	}
	return out
}

// freeList is a FIFO set of workers: the worker that became free first is
// handed out first.
type freeList struct {
	order *list.List[*Worker]
	index map[*Worker]*list.Node[*Worker]
}

func newFreeList() *freeList {
	return &freeList{
		order: list.New[*Worker](),
		index: map[*Worker]*list.Node[*Worker]{},
	}
}

func (f *freeList) Len() int {
	return len(f.index)
}

func (f *freeList) Has(w *Worker) bool {
	_, ok := f.index[w]
	return ok
}

// Push appends w unless it is already free.
func (f *freeList) Push(w *Worker) {
	if _, ok := f.index[w]; ok {
		return
	}
	n := &list.Node[*Worker]{Value: w}
	f.order.PushBackNode(n)
	f.index[w] = n
}

func (f *freeList) Remove(w *Worker) bool {
	n, ok := f.index[w]
	if !ok {
		return false
	}
	f.order.Remove(n)
	delete(f.index, w)
	return true
}

func (f *freeList) Pop() (*Worker, bool) {
	n := f.order.Front
	if n == nil {
		return nil, false
	}
	f.order.Remove(n)
	delete(f.index, n.Value)
	return n.Value, true
}

func (f *freeList) Each(fn func(w *Worker)) {
	for n := f.order.Front; n != nil; n = n.Next {
		fn(n.Value)
	}
}
