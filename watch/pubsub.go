package watch

import (
	"container/list"
	"sync"
)

// publisher fans events out to subscribers. It can be safely used from
// multiple goroutines. No events are lost, and events submitted in a certain
// order are delivered in that order: each subscriber owns an unbounded FIFO
// drained by its own goroutine, so a slow watcher never blocks publish or
// other watchers.
type publisher struct {
	mu          sync.Mutex
	buffer      int
	subscribers map[chan<- Event]*subscriber
	cond        *sync.Cond
}

type subscriber struct {
	// The publisher's mutex must be locked when accessing the queue.
	queuedEvents list.List
	matcher      func(Event) bool
	closed       chan struct{}
}

func newPublisher(buffer int) *publisher {
	pub := &publisher{
		buffer:      buffer,
		subscribers: make(map[chan<- Event]*subscriber),
	}
	pub.cond = sync.NewCond(&pub.mu)

	return pub
}

// length returns the number of subscribers for the publisher.
func (p *publisher) length() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// subscribe adds a new subscriber to the publisher returning the channel.
func (p *publisher) subscribe() chan Event {
	return p.subscribeTopic(nil)
}

// subscribeTopic adds a new subscriber that only sees events matched by the
// provided function. A nil matcher sees everything.
func (p *publisher) subscribeTopic(matcher func(Event) bool) chan Event {
	ch := make(chan Event, p.buffer)
	sub := &subscriber{
		matcher: matcher,
		closed:  make(chan struct{}),
	}
	sub.queuedEvents.Init()

	p.mu.Lock()
	p.subscribers[ch] = sub
	p.mu.Unlock()

	go p.sendEvents(ch, sub)

	return ch
}

// evict removes the specified subscriber from receiving any more messages.
func (p *publisher) evict(ch chan Event) {
	p.mu.Lock()
	if sub, ok := p.subscribers[ch]; ok {
		delete(p.subscribers, ch)
		close(sub.closed)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// publish sends v to all subscribers currently registered with the publisher.
func (p *publisher) publish(v Event) {
	p.mu.Lock()
	if len(p.subscribers) == 0 {
		p.mu.Unlock()
		return
	}

	for _, sub := range p.subscribers {
		sub.queuedEvents.PushBack(v)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// close evicts every subscriber, closing their channels.
func (p *publisher) close() {
	p.mu.Lock()
	for ch, sub := range p.subscribers {
		delete(p.subscribers, ch)
		close(sub.closed)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// sendEvents runs in a goroutine as long as the subscriber is watching for
// events. It waits for new events to be added to the queue and sends those
// over the subscriber's channel.
func (p *publisher) sendEvents(ch chan<- Event, sub *subscriber) {
	p.mu.Lock()
	for {
		for sub.queuedEvents.Len() > 0 {
			nextEventElem := sub.queuedEvents.Front()
			nextEvent := sub.queuedEvents.Remove(nextEventElem).(Event)

			p.mu.Unlock()

			// The matcher runs here instead of at publish time so it
			// executes without the lock held.
			if sub.matcher == nil || sub.matcher(nextEvent) {
				select {
				case ch <- nextEvent:
				case <-sub.closed:
					return
				}
			}

			p.mu.Lock()
		}

		// While the mutex was unlocked above, the subscriber could have
		// been evicted.
		select {
		case <-sub.closed:
			p.mu.Unlock()
			close(ch)
			return
		default:
		}

		p.cond.Wait()
	}
}
