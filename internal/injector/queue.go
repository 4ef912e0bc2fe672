package injector

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/troupe/internal/errs"
)

// Future is the eventual outcome of a queued injection.
type Future struct {
	ID string

	once   sync.Once
	done   chan struct{}
	result string
	err    error
}

func newFuture() *Future {
	return &Future{ID: uuid.NewString(), done: make(chan struct{})}
}

// Done is closed once the injection has succeeded or been rejected.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the injection settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *Future) resolve(result string) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

func (f *Future) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

type queueItem struct {
	agent    string
	text     string
	opts     Options
	priority int
	seq      uint64
	enqueued time.Time
	retries  int
	future   *Future
}

// itemHeap orders by priority, highest first, then by sequence number.
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(a, b int) bool {
	if h[a].priority != h[b].priority {
		return h[a].priority > h[b].priority
	}
	return h[a].seq < h[b].seq
}

func (h itemHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

func (h *itemHeap) removeAgent(agent string) []*queueItem {
	var removed []*queueItem
	kept := (*h)[:0]
	for _, it := range *h {
		if it.agent == agent {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	*h = kept
	heap.Init(h)
	return removed
}

func (h *itemHeap) drain() []*queueItem {
	items := []*queueItem(*h)
	*h = nil
	return items
}

// QueueInjection schedules text for delivery to name. Higher priorities are
// delivered first; equal priorities in submission order.
func (i *Injector) QueueInjection(name, text string, opts Options, priority int) *Future {
	f := newFuture()

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		f.reject(ErrClosed)
		return f
	}
	if _, ok := i.targets[name]; !ok {
		i.mu.Unlock()
		f.reject(errs.NotFoundf("agent %q", name))
		return f
	}
	i.pushLocked(&queueItem{
		agent:    name,
		text:     text,
		opts:     i.normalize(opts),
		priority: priority,
		enqueued: i.clock.Now(),
		future:   f,
	})
	i.mu.Unlock()

	i.notify()
	return f
}

// Pending returns the number of queued injections not yet started.
func (i *Injector) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.queue.Len()
}

func (i *Injector) pushLocked(it *queueItem) {
	i.seq++
	it.seq = i.seq
	heap.Push(&i.queue, it)
}

func (i *Injector) processQueue() {
	defer i.wg.Done()
	for {
		i.mu.Lock()
		if i.closed {
			i.mu.Unlock()
			return
		}
		if i.queue.Len() == 0 {
			i.mu.Unlock()
			select {
			case <-i.wake:
				continue
			case <-i.ctx.Done():
				return
			}
		}

		it, t, rejected := i.nextEligibleLocked()
		if it == nil {
			i.mu.Unlock()
			for _, r := range rejected {
				r.future.reject(errs.NotFoundf("agent %q", r.agent))
			}
			select {
			case <-i.clock.After(i.yield):
			case <-i.wake:
			case <-i.ctx.Done():
				return
			}
			continue
		}
		i.inflight[it.agent]++
		i.mu.Unlock()
		for _, r := range rejected {
			r.future.reject(errs.NotFoundf("agent %q", r.agent))
		}

		i.wg.Add(1)
		go i.run(it, t)
	}
}

// nextEligibleLocked pops the best item whose agent is idle. Items whose
// agent is busy stay queued in their original order; items whose agent has
// gone are returned for rejection.
func (i *Injector) nextEligibleLocked() (*queueItem, Target, []*queueItem) {
	var skipped, gone []*queueItem
	defer func() {
		for _, it := range skipped {
			heap.Push(&i.queue, it)
		}
	}()
	for i.queue.Len() > 0 {
		it := heap.Pop(&i.queue).(*queueItem)
		t, ok := i.targets[it.agent]
		switch {
		case !ok:
			gone = append(gone, it)
		case i.inflight[it.agent] > 0:
			skipped = append(skipped, it)
		default:
			return it, t, gone
		}
	}
	return nil, nil, gone
}

func (i *Injector) run(it *queueItem, t Target) {
	defer i.wg.Done()
	defer i.release(it.agent)

	resp, err := i.deliver(i.ctx, it.agent, t, it.text, it.opts)
	if err == nil {
		it.future.resolve(resp)
		return
	}

	i.mu.Lock()
	retry := !i.closed && it.retries < i.maxRetries
	if retry {
		it.retries++
		i.pushLocked(it)
	}
	i.mu.Unlock()

	if retry {
		i.log.Warn("queued injection failed, retrying",
			"agent", it.agent, "attempt", it.retries, "err", err)
		return
	}
	i.log.Warn("queued injection rejected", "agent", it.agent, "attempts", it.retries+1, "err", err)
	it.future.reject(err)
}
