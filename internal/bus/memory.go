package bus

import "sync"

// Memory is an in-process Bus. It is used by tests and when every component
// runs in one binary.
type Memory struct {
	depth int

	mu     sync.Mutex
	subs   map[string]map[string]*queue
	closed bool
}

// NewMemory returns an in-process bus whose subscribers each buffer up to
// depth messages.
func NewMemory(depth int) *Memory {
	return &Memory{
		depth: depth,
		subs:  make(map[string]map[string]*queue),
	}
}

// Publish fans payload out to every subscriber of topic. Subscribers with a
// full queue are skipped so the publisher never blocks.
func (b *Memory) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, q := range b.subs[topic] {
		q.offer(Message{Topic: topic, Payload: payload})
	}
	return nil
}

func (b *Memory) Subscribe(topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q := newQueue(topic, b.depth)
	q.cancel = func() { b.remove(topic, q.id) }
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*queue)
	}
	b.subs[topic][q.id] = q
	return q, nil
}

func (b *Memory) remove(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], id)
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Memory) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[string]*queue)
	return nil
}
