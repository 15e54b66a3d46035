// Package eventbus implements the topic-per-event-kind broadcast used by the
// transfer coordinator, the discovery agent, and the config loader.
package eventbus

import "sync"

// Topic names one event kind. Subscribers pick a topic; publishers never
// need to know who, if anyone, is listening.
type Topic string

// Mode controls how a topic behaves under a slow subscriber.
type Mode int

const (
	// Lossless delivers every published event to every subscriber, in
	// publish order, at the cost of unbounded internal queuing if the
	// subscriber never reads.
	Lossless Mode = iota
	// Lossy drops an event for a subscriber that already has buffer events
	// queued and not yet forwarded, rather than block the publisher. Used
	// for high-frequency progress events.
	Lossy
)

// subscriber forwards queued events to out, one at a time, in the order
// Publish enqueued them. A dedicated goroutine per subscriber means a slow
// reader only delays itself, never the publisher or other subscribers.
type subscriber struct {
	out  chan any
	mode Mode

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []any
	closed bool
}

func newSubscriber(buffer int, mode Mode) *subscriber {
	s := &subscriber{
		out:  make(chan any, buffer),
		mode: mode,
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.out <- event
	}
}

func (s *subscriber) publish(event any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.mode == Lossy && len(s.queue) >= cap(s.out) {
		return
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}

// Bus is a one-writer-many-readers broadcaster. The zero value is not
// usable; construct with New.
type Bus struct {
	mu   sync.Mutex
	subs map[Topic][]*subscriber
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]*subscriber)}
}

// Subscribe registers a new listener on topic and returns a channel of
// future events, delivered in publish order. buffer sizes the drop
// threshold for Lossy topics; it is advisory slack for Lossless ones.
func (b *Bus) Subscribe(topic Topic, mode Mode, buffer int) <-chan any {
	if buffer <= 0 {
		buffer = 1
	}
	sub := newSubscriber(buffer, mode)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub.out
}

// Unsubscribe removes a previously subscribed channel from topic and closes
// it. Safe to call more than once for the same channel.
func (b *Bus) Unsubscribe(topic Topic, ch <-chan any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, sub := range subs {
		if sub.out == ch {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			sub.close()
			return
		}
	}
}

// Publish fans event out to every subscriber of topic in publish order.
func (b *Bus) Publish(topic Topic, event any) {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.publish(event)
	}
}

// Close closes every subscriber channel across every topic. The Bus must
// not be published to afterward.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
		delete(b.subs, topic)
	}
}
