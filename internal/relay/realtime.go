package relay

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/easel/internal/op"
)

const subscriberBufferSize = 32

// Dispatcher fans accepted operations out to subscribed sessions. Slow
// subscribers drop messages rather than block the submission path; a
// client that misses operations recovers through catch-up.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
}

type subscriber struct {
	id     int64
	stream chan op.Operation
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subscribers: make(map[int64]*subscriber)}
}

// Subscribe registers a stream of accepted operations. The stream is
// never closed; callers select on their context alongside it. The
// cleanup function unregisters the subscriber.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan op.Operation, func()) {
	sub := &subscriber{stream: make(chan op.Operation, subscriberBufferSize)}
	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, sub.id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the operation to every subscriber that can accept it.
func (d *Dispatcher) Publish(operation op.Operation) {
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- operation:
		default:
		}
	}
}
