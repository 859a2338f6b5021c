package utils

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("[statebridge] record queue is closed")
var ErrOverflow = errors.New("[statebridge] record queue is overflowed")

// RecordQueue is an unbounded-reader, bounded-writer queue of records.
// Drain never blocks: a full queue is reported as ErrOverflow so that a
// slow receiver can not stall the sender. Feed blocks until records arrive,
// the queue is closed or ctx is done.
type RecordQueue[T ~[][]byte] struct {
	lock   sync.Mutex
	recs   T
	limit  int
	closed bool
	signal chan struct{}
}

func NewRecordQueue[T ~[][]byte](limit int) *RecordQueue[T] {
	return &RecordQueue[T]{
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

func (q *RecordQueue[T]) Drain(ctx context.Context, recs T) error {
	if len(recs) == 0 {
		return nil
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.recs)+len(recs) > q.limit {
		return ErrOverflow
	}
	q.recs = append(q.recs, recs...)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Feed returns everything queued so far. Records drained before Close are
// still fed; ErrClosed comes after them.
func (q *RecordQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	for {
		q.lock.Lock()
		if len(q.recs) > 0 {
			recs = q.recs
			q.recs = nil
			q.lock.Unlock()
			return recs, nil
		}
		closed := q.closed
		q.lock.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *RecordQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.recs)
}

func (q *RecordQueue[T]) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.closed = true
	close(q.signal)
	return nil
}
