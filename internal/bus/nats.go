package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds the broker connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
	// Buffer is the per-subscriber queue depth.
	Buffer int
}

// NATS is a Bus backed by a NATS broker. Topics map onto subjects under
// SubjectPrefix.
type NATS struct {
	conn   *nats.Conn
	prefix string
	depth  int

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATS connects to the broker.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "sensible"
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		depth:  cfg.Buffer,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Subject returns the broker subject carrying topic.
func (b *NATS) Subject(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + "." + topic
}

func (b *NATS) Publish(topic string, payload []byte) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	return b.conn.Publish(b.Subject(topic), payload)
}

// Subscribe registers a message handler that copies each message into a
// bounded queue; a full queue drops the message.
func (b *NATS) Subscribe(topic string) (Subscription, error) {
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}
	q := newQueue(topic, b.depth)
	sub, err := b.conn.Subscribe(b.Subject(topic), func(msg *nats.Msg) {
		q.offer(Message{Topic: topic, Payload: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs[q.id] = sub
	b.mu.Unlock()

	q.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[q.id]; ok {
			_ = s.Unsubscribe()
			delete(b.subs, q.id)
		}
	}
	return q, nil
}

// Close closes the broker connection. Messages already queued stay drainable.
func (b *NATS) Close() error {
	b.conn.Close()
	return nil
}
