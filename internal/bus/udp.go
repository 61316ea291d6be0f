package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kejingjing/sensible/internal/monitoring"
)

// readPoll bounds how long a UDP read blocks before re-checking for
// shutdown.
const readPoll = 100 * time.Millisecond

// maxDatagram is the receive buffer for one payload.
const maxDatagram = 2048

// UDPConfig maps each topic onto a localhost port.
type UDPConfig struct {
	Host  string
	Ports map[string]int
	// Buffer is the per-subscriber queue depth.
	Buffer int
}

// UDP is a Bus that carries each topic over its own local UDP port, so the
// sensor adapters can run in separate processes from the engine.
type UDP struct {
	host  string
	depth int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	ports     map[string]int
	senders   map[string]*net.UDPConn
	listeners map[string]*udpListener
	closed    bool
}

type udpListener struct {
	conn *net.UDPConn
	subs map[string]*queue
}

// NewUDP returns a UDP bus. A topic whose port is 0 binds an ephemeral port
// on first Subscribe; Port reports the port actually bound.
func NewUDP(cfg UDPConfig) *UDP {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	ports := make(map[string]int, len(cfg.Ports))
	for k, v := range cfg.Ports {
		ports[k] = v
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UDP{
		host:      host,
		depth:     cfg.Buffer,
		ctx:       ctx,
		cancel:    cancel,
		ports:     ports,
		senders:   make(map[string]*net.UDPConn),
		listeners: make(map[string]*udpListener),
	}
}

// Port returns the port carrying topic.
func (b *UDP) Port(topic string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.ports[topic]
	return p, ok
}

func (b *UDP) addr(topic string) (*net.UDPAddr, error) {
	port, ok := b.ports[topic]
	if !ok {
		return nil, fmt.Errorf("no port configured for topic %q", topic)
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(b.host, fmt.Sprint(port)))
}

// Publish writes payload as one datagram to the topic's port.
func (b *UDP) Publish(topic string, payload []byte) error {
	if len(payload) > maxDatagram {
		return fmt.Errorf("payload of %d bytes exceeds %d byte datagram", len(payload), maxDatagram)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	conn, ok := b.senders[topic]
	if !ok {
		addr, err := b.addr(topic)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		conn, err = net.DialUDP("udp", nil, addr)
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		b.senders[topic] = conn
	}
	b.mu.Unlock()

	_, err := conn.Write(payload)
	return err
}

// Subscribe binds the topic's port on first use and fans incoming
// datagrams out to every subscriber of the topic.
func (b *UDP) Subscribe(topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	l, ok := b.listeners[topic]
	if !ok {
		addr, err := b.addr(topic)
		if err != nil {
			return nil, err
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on UDP address %s: %w", addr, err)
		}
		b.ports[topic] = conn.LocalAddr().(*net.UDPAddr).Port
		l = &udpListener{conn: conn, subs: make(map[string]*queue)}
		b.listeners[topic] = l

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.read(topic, l)
		}()
	}

	q := newQueue(topic, b.depth)
	q.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(l.subs, q.id)
	}
	l.subs[q.id] = q
	return q, nil
}

func (b *UDP) read(topic string, l *udpListener) {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(readPoll))
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if b.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			monitoring.Logf("bus: UDP read error on %s: %v", topic, err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		b.mu.Lock()
		for _, q := range l.subs {
			q.offer(Message{Topic: topic, Payload: payload})
		}
		b.mu.Unlock()
	}
}

// Close stops the readers and closes every socket.
func (b *UDP) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	var errs []error
	for _, l := range b.listeners {
		errs = append(errs, l.conn.Close())
	}
	for _, c := range b.senders {
		errs = append(errs, c.Close())
	}
	b.mu.Unlock()

	b.wg.Wait()
	return errors.Join(errs...)
}
