package branchpad

import (
	"context"
	"sync"

	"github.com/branchpad/branchpad/pkg/models"
)

// Event announces one accepted change to the sync streams it touched.
type Event struct {
	WorkspaceID models.WorkspaceID
	RootID      models.NodeID
	NodeID      models.NodeID
	Operation   models.Operation
	Version     int64
	// Streams are the stream names whose consumers should be woken.
	Streams []string
	// CollaboratorsChanged marks events that require a permission fan-out
	// over the node's subtree.
	CollaboratorsChanged bool
}

// EventBus delivers events to subscribers strictly in publish order. A single
// drain goroutine invokes subscribers one event at a time, so fan-out work for
// one change finishes before the next change is observed. The queue is
// unbounded, which lets subscribers publish follow-on events without risk of
// deadlock.
type EventBus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue    []Event
	subs     []func(Event)
	started  bool
	closed   bool
	inFlight bool
	done     chan struct{}
}

// NewEventBus creates a stopped bus. Subscribe before Start; subscriptions
// are fixed once the drain loop runs.
func NewEventBus() *EventBus {
	b := &EventBus{done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Subscribe registers a handler. Must be called before Start.
func (b *EventBus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		panic("branchpad: Subscribe after Start")
	}
	b.subs = append(b.subs, fn)
}

// Start launches the drain loop. It stops when ctx is cancelled and the queue
// has been handed off.
func (b *EventBus) Start(ctx context.Context) {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.closed = true
		b.cond.Broadcast()
		b.mu.Unlock()
	}()

	go b.drain()
}

func (b *EventBus) drain() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.inFlight = true
		subs := b.subs
		b.mu.Unlock()

		for _, fn := range subs {
			fn(ev)
		}

		b.mu.Lock()
		b.inFlight = false
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

// Drained blocks until the queue is empty and no event is being delivered.
// Subscribers may publish follow-on events while draining; those are waited
// for too.
func (b *EventBus) Drained() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for (len(b.queue) > 0 || b.inFlight) && !b.closed {
		b.cond.Wait()
	}
}

// Publish enqueues an event. Never blocks on subscribers.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, ev)
	b.cond.Broadcast()
}

// Wait blocks until the drain loop has exited after Start's context ended.
func (b *EventBus) Wait() {
	<-b.done
}
