// Package watch provides an in-process publish/subscribe queue. Watchers
// receive every event published after they subscribe, in publication order,
// without ever blocking the publisher.
package watch

// Event is a struct wrapping objects sent through the queue.
type Event struct {
	// Payload is the actual object being passed through the queue.
	Payload interface{}
}

// Queue is the structure used to publish events and watch for them.
type Queue struct {
	pub *publisher
}

// NewQueue creates a new publish/subscribe queue which supports watchers.
// The channels that it will create for subscriptions will have the buffer
// size specified by buffer.
func NewQueue(buffer int) *Queue {
	return &Queue{
		pub: newPublisher(buffer),
	}
}

// Watch returns a channel which will receive all items published to the
// queue from this point, until StopWatch is called.
func (q *Queue) Watch() chan Event {
	return q.pub.subscribe()
}

// CallbackWatch returns a channel which will receive all events published to
// the queue from this point that pass the check in the provided callback
// function. StopWatch will stop the flow of events and close the channel.
func (q *Queue) CallbackWatch(matcher func(Event) bool) chan Event {
	return q.pub.subscribeTopic(matcher)
}

// StopWatch stops a watcher from receiving further events, and closes its
// channel.
func (q *Queue) StopWatch(ch chan Event) {
	q.pub.evict(ch)
}

// Publish adds an item to the queue.
func (q *Queue) Publish(item Event) {
	q.pub.publish(item)
}

// Close closes the queue and the channels of all watchers. Publishing to a
// closed queue is a no-op.
func (q *Queue) Close() {
	q.pub.close()
}
