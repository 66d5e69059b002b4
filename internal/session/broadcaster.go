package session

import (
	"sync"
)

// DefaultQueueSize is the per-subscriber event queue depth.
const DefaultQueueSize = 256

// Broadcaster fans a session's events out to its subscribers. Each
// subscriber owns an independent queue, so one slow WebSocket cannot stall
// the others. When a queue is full the oldest non-critical event is dropped;
// critical events (permission requests, tool calls, completions, exits,
// errors) are always retained, growing the queue if necessary.
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	closed    bool
}

// NewBroadcaster returns a broadcaster with the given per-subscriber queue
// depth. Zero or negative selects DefaultQueueSize.
func NewBroadcaster(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
	}
}

// Subscribe registers a new subscriber. The returned subscription delivers
// events in publish order until Cancel is called or the broadcaster closes.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		b:      b,
		limit:  b.queueSize,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	if b.closed {
		sub.closed = true
		sub.once.Do(func() { close(sub.done) })
		close(sub.out)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	go sub.pump()
	return sub
}

// Publish delivers an event to every subscriber. It never blocks; a closed
// broadcaster discards the event.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.push(ev)
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription once its queued events have been delivered.
// Events published after Close are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one subscriber's view of a session's event stream.
type Subscription struct {
	id    uint64
	b     *Broadcaster
	limit int

	mu      sync.Mutex
	queue   []Event
	dropped uint64
	closed  bool

	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the delivery channel. It is closed when the subscription
// ends.
func (s *Subscription) Events() <-chan Event { return s.out }

// Dropped reports how many non-critical events were shed under backpressure.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancel detaches the subscription from its broadcaster and closes the
// delivery channel immediately, discarding any queued events. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	if s.b != nil {
		s.b.remove(s.id)
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// close ends the subscription from the broadcaster side: no more events are
// accepted, and the pump delivers what is already queued before closing the
// channel.
func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit && !s.shedLocked() && !ev.Critical {
		s.dropped++
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// shedLocked drops the oldest non-critical queued event to make room.
// Returns false when every queued event is critical.
func (s *Subscription) shedLocked() bool {
	for i, queued := range s.queue {
		if !queued.Critical {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.dropped++
			return true
		}
	}
	return false
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
