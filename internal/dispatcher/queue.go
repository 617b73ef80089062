package dispatcher

import (
	"container/list"
	"sync"

	"orderdispatch/internal/models"
	"orderdispatch/pkg/syncx"
)

// jobQueue - ограниченная FIFO очередь трека
//
// Слот резервируется до постановки (reserve) и освобождается ровно один раз,
// когда ордер покидает очередь: воркер забрал его (pop) или он отменён
// (remove). Отменённый ордер не занимает места до прихода воркера.
// Очередь принадлежит одному треку, её mutex не разделяется с другими.
type jobQueue struct {
	size     int64
	reserved *syncx.Counter

	mu    sync.Mutex
	items *list.List

	// ready будит воркеров; буфер 1, сигналы сливаются
	ready chan struct{}
}

func newJobQueue(size int) *jobQueue {
	return &jobQueue{
		size:     int64(size),
		reserved: syncx.NewCounter(0),
		items:    list.New(),
		ready:    make(chan struct{}, 1),
	}
}

// reserve занимает слот; false, если очередь заполнена
func (q *jobQueue) reserve() bool {
	return q.reserved.IncrementIfLessThan(q.size)
}

// unreserve возвращает слот, так и не поставленный в очередь
func (q *jobQueue) unreserve() {
	q.reserved.Decrement(1)
}

// push ставит зарезервированный ордер в конец очереди
// Ордер, отменённый до постановки, не ставится, его слот освобождается.
func (q *jobQueue) push(j *job) bool {
	q.mu.Lock()
	if j.order.Status() != models.StatusQueued {
		q.mu.Unlock()
		q.unreserve()
		return false
	}
	j.elem = q.items.PushBack(j)
	q.mu.Unlock()

	q.signal()
	return true
}

// pop забирает первый ордер или nil для пустой очереди
func (q *jobQueue) pop() *job {
	q.mu.Lock()
	front := q.items.Front()
	if front == nil {
		q.mu.Unlock()
		return nil
	}
	j := q.items.Remove(front).(*job)
	j.elem = nil
	more := q.items.Len() > 0
	q.mu.Unlock()

	q.unreserve()
	if more {
		q.signal()
	}
	return j
}

// remove снимает ордер с очереди; false, если его там уже нет
func (q *jobQueue) remove(j *job) bool {
	q.mu.Lock()
	if j.elem == nil {
		q.mu.Unlock()
		return false
	}
	q.items.Remove(j.elem)
	j.elem = nil
	q.mu.Unlock()

	q.unreserve()
	return true
}

func (q *jobQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// depth - занятые слоты, включая зарезервированные
func (q *jobQueue) depth() int {
	return int(q.reserved.Get())
}
