// Package bus is the in-process pub/sub layer: one unbounded FIFO
// queue per topic, no durability. Publishers never block; each event is
// delivered to exactly one subscriber, so multiple subscribers on a
// topic split the stream between them.
package bus

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"bartholomew/internal/logging"
)

// ErrClosed reports a read from a closed bus or subscription.
var ErrClosed = errors.New("event bus closed")

// Event is one published message.
type Event struct {
	ID      string
	Topic   string
	Type    string
	Reason  string
	Payload map[string]interface{}
	At      time.Time
}

// topicQueue is the per-topic unbounded FIFO. A condition variable
// wakes whichever consumer gets there first, which yields the disjoint
// delivery contract for free.
type topicQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events list.List // of Event
	closed bool
}

func newTopicQueue() *topicQueue {
	q := &topicQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *topicQueue) push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events.PushBack(e)
	q.cond.Signal()
}

// pushFront returns a drained event to the head of the queue so a
// cancelled consumer cannot reorder it behind later arrivals.
func (q *topicQueue) pushFront(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events.PushFront(e)
	q.cond.Signal()
}

func (q *topicQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.events.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.events.Len() == 0 {
		return Event{}, false
	}
	front := q.events.Front()
	q.events.Remove(front)
	return front.Value.(Event), true
}

func (q *topicQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Bus routes events by topic.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topicQueue
	closed bool
}

// New builds an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topicQueue)}
}

func (b *Bus) queue(topic string) *topicQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.topics[topic]
	if !ok {
		q = newTopicQueue()
		b.topics[topic] = q
	}
	return q
}

// Publish enqueues an event for the topic. Never blocks; an event
// published to a closed bus is dropped. Missing ID and At fields are
// filled in.
func (b *Bus) Publish(topic string, e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	e.Topic = topic
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.queue(topic).push(e)
	logging.BusDebug("Published %s event %s to %s", e.Type, e.ID, topic)
}

// Subscription is one consumer's handle on a topic.
type Subscription struct {
	q *topicQueue
}

// Subscribe attaches a consumer to the topic. Events already queued are
// visible to the new subscription.
func (b *Bus) Subscribe(topic string) *Subscription {
	return &Subscription{q: b.queue(topic)}
}

// Next blocks for the next event in FIFO order. Returns ErrClosed once
// the bus shuts down, or the context error if the caller gives up
// first.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	type result struct {
		e  Event
		ok bool
	}
	ch := make(chan result, 1)
	go func() {
		e, ok := s.q.pop()
		ch <- result{e, ok}
	}()

	select {
	case r := <-ch:
		if !r.ok {
			return Event{}, ErrClosed
		}
		return r.e, nil
	case <-ctx.Done():
		// The pop goroutine stays parked on the condvar until the bus
		// closes or another event arrives; anything it drains after the
		// caller left goes back to the head of the queue, keeping FIFO
		// order for the remaining consumers.
		go func() {
			r := <-ch
			if r.ok {
				s.q.pushFront(r.e)
			}
		}()
		return Event{}, ctx.Err()
	}
}

// Close shuts every topic down and wakes all blocked consumers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := make([]*topicQueue, 0, len(b.topics))
	for _, q := range b.topics {
		topics = append(topics, q)
	}
	b.mu.Unlock()

	for _, q := range topics {
		q.close()
	}
	logging.Bus("Event bus closed")
}
