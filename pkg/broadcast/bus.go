package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber channel depth.
const DefaultBufferSize = 256

// Subscription is one consumer's view of the bus. Read from C(); when the
// buffer overflows the oldest pending envelope is dropped and Gaps()
// increments.
type Subscription struct {
	bus    *Bus
	ch     chan Envelope
	gaps   atomic.Uint64
	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

// C is the envelope stream. It closes when the subscription closes.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Gaps returns how many envelopes were dropped because this subscriber
// was slow.
func (s *Subscription) Gaps() uint64 { return s.gaps.Load() }

// Topics returns the currently subscribed topics.
func (s *Subscription) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Add subscribes to an additional topic.
func (s *Subscription) Add(topic string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
	s.bus.attach(s, topic)
}

// Remove unsubscribes from one topic.
func (s *Subscription) Remove(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
	s.bus.detach(s, topic)
}

// Close detaches from every topic and closes the stream.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.topics = map[string]struct{}{}
	close(s.ch)
	s.mu.Unlock()
	for _, t := range topics {
		s.bus.detach(s, t)
	}
}

// deliver performs the non-blocking send. Holding mu here and in Close
// keeps sends off a closed channel.
func (s *Subscription) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- env:
		return
	default:
	}
	// Buffer full: drop the oldest so the newest still lands.
	select {
	case <-s.ch:
		s.gaps.Add(1)
	default:
	}
	select {
	case s.ch <- env:
	default:
		s.gaps.Add(1)
	}
}

// Bus fans envelopes out to per-topic subscriber sets.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscription]struct{}
	seq     map[string]uint64
	bufSize int
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewBus(bufSize int, log *zap.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		topics:  make(map[string]map[*Subscription]struct{}),
		seq:     make(map[string]uint64),
		bufSize: bufSize,
		log:     log.Sugar().Named("broadcast"),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (b *Bus) SetNowFunc(now func() time.Time) { b.now = now }

// Subscribe creates a subscription over the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		bus:    b,
		ch:     make(chan Envelope, b.bufSize),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
		b.attach(sub, t)
	}
	return sub
}

func (b *Bus) attach(sub *Subscription, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
}

func (b *Bus) detach(sub *Subscription, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.topics[topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Publish delivers the payload to every subscriber of the topic without
// ever blocking the caller. Delivery happens under the bus lock so that
// within a topic, every subscriber observes envelopes in seq order (gaps
// aside) even with concurrent publishers. deliver never blocks, so the
// lock is held only for the fan-out itself.
func (b *Bus) Publish(topic string, payload Payload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[topic]++
	env := Envelope{
		Topic:     topic,
		Seq:       b.seq[topic],
		Timestamp: b.now().UnixMilli(),
		Kind:      payload.Kind(),
		Payload:   payload,
	}
	for s := range b.topics[topic] {
		s.deliver(env)
	}
}

// SubscriberCount returns how many subscriptions a topic currently has.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
