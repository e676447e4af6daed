// SPDX-License-Identifier: AGPL-3.0-only

package delivery

import (
	"container/heap"
	"sync"
	"time"

	"github.com/shieldmsg/shieldcore/core/queue"
	"github.com/shieldmsg/shieldcore/core/worker"
)

// Item is an entry with a wakeup deadline in UnixNano.
type Item interface {
	Priority() uint64
}

// Nqueue is the destination items are handed to when their deadline passes.
type Nqueue interface {
	Push(Item) error
}

// TimerQueue delays items until their deadline and forwards them to the
// next queue.
type TimerQueue struct {
	worker.Worker

	priq   *queue.PriorityQueue
	nextQ  Nqueue
	l      sync.Mutex
	wakech chan struct{}
}

// NewTimerQueue instantiates a TimerQueue.  Start launches the worker.
func NewTimerQueue(nextQueue Nqueue) *TimerQueue {
	return &TimerQueue{
		nextQ:  nextQueue,
		priq:   queue.New(),
		wakech: make(chan struct{}),
	}
}

// Start starts the worker routine.
func (a *TimerQueue) Start() {
	a.Go(a.worker)
}

// Push adds an item to the queue.
func (a *TimerQueue) Push(i Item) {
	a.l.Lock()
	a.priq.Enqueue(i.Priority(), i)
	a.l.Unlock()
	select {
	case a.wakech <- struct{}{}:
	case <-a.HaltCh():
		// don't block at shutdown
	}
}

// Remove removes the first queued item matching filter, returning true when
// one was found.
func (a *TimerQueue) Remove(filter func(Item) bool) bool {
	a.l.Lock()
	defer a.l.Unlock()
	e := a.priq.FilterOnce(func(v interface{}) bool {
		return filter(v.(Item))
	})
	return e != nil
}

// Len returns the number of queued items.
func (a *TimerQueue) Len() int {
	a.l.Lock()
	defer a.l.Unlock()
	return a.priq.Len()
}

func (a *TimerQueue) forward() {
	a.l.Lock()
	m := heap.Pop(a.priq)
	a.l.Unlock()
	if m == nil {
		return
	}
	item := m.(*queue.Entry).Value.(Item)
	if err := a.nextQ.Push(item); err != nil {
		panic(err)
	}
}

func (a *TimerQueue) worker() {
	for {
		var c <-chan time.Time
		a.l.Lock()
		if m := a.priq.Peek(); m != nil {
			until := time.Until(time.Unix(0, int64(m.Priority)))
			if until <= 0 {
				a.l.Unlock()
				a.forward()
				continue
			}
			c = time.After(until)
		}
		a.l.Unlock()
		select {
		case <-a.HaltCh():
			return
		case <-c:
			a.forward()
		case <-a.wakech:
		}
	}
}
