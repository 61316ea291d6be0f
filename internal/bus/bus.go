// Package bus carries topic-tagged measurement payloads from the sensor
// adapters to the fusion engine. Publishing never blocks: a subscriber that
// falls behind loses messages rather than stalling a producer.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// DefaultBuffer is the per-subscriber queue depth used when none is given.
const DefaultBuffer = 1024

// Message is one payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is a topic-filtered publish/subscribe channel.
type Bus interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(topic string, payload []byte) error
	// Subscribe registers interest in topic. Messages published before the
	// call are not delivered.
	Subscribe(topic string) (Subscription, error)
	// Close releases the transport and closes every subscription.
	Close() error
}

// Subscription is a bounded queue of messages for one topic.
type Subscription interface {
	// ID uniquely identifies the subscription.
	ID() string
	// Topic is the subscribed topic.
	Topic() string
	// Drain returns every message currently pending without blocking.
	Drain() []Message
	// Dropped is the number of messages lost because the queue was full.
	Dropped() uint64
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe()
}

// queue is the Subscription shared by every transport.
type queue struct {
	id      string
	topic   string
	ch      chan Message
	dropped atomic.Uint64

	once   sync.Once
	cancel func()
}

func newQueue(topic string, depth int) *queue {
	if depth <= 0 {
		depth = DefaultBuffer
	}
	return &queue{
		id:    uuid.NewString(),
		topic: topic,
		ch:    make(chan Message, depth),
	}
}

func (q *queue) ID() string      { return q.id }
func (q *queue) Topic() string   { return q.topic }
func (q *queue) Dropped() uint64 { return q.dropped.Load() }

// offer enqueues m unless the queue is full.
func (q *queue) offer(m Message) bool {
	select {
	case q.ch <- m:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

func (q *queue) Drain() []Message {
	var out []Message
	for {
		select {
		case m := <-q.ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func (q *queue) Unsubscribe() {
	q.once.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
	})
}
