// Package output streams fused tracks to downstream consumers over gRPC.
//
// Every cycle the engine publishes the CONFIRMED tracks; each is pushed to
// every connected client. A client that falls behind loses updates rather
// than stalling the fusion loop.
package output

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"tailscale.com/tsweb"

	"github.com/kejingjing/sensible/internal/fusion"
	"github.com/kejingjing/sensible/internal/monitoring"
)

// DefaultClientBuffer is the number of updates queued per client before new
// ones are dropped.
const DefaultClientBuffer = 64

// Config holds configuration for the output server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":24601").
	ListenAddr string

	// ClientBuffer overrides DefaultClientBuffer when positive.
	ClientBuffer int
}

// Publisher is the gRPC track server. It implements fusion.Sink.
type Publisher struct {
	config Config
	server *grpc.Server

	clients   map[string]chan *structpb.Struct
	clientsMu sync.RWMutex

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	done     chan struct{}
	stopOnce sync.Once
}

var _ fusion.Sink = (*Publisher)(nil)

// NewPublisher creates a Publisher with the track service registered.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultClientBuffer
	}
	p := &Publisher{
		config:  cfg,
		server:  grpc.NewServer(),
		clients: make(map[string]chan *structpb.Struct),
		done:    make(chan struct{}),
	}
	p.server.RegisterService(&TrackServiceDesc, p)
	return p
}

// Run listens on the configured address and serves until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	monitoring.Logf("[output] track stream listening on %s", lis.Addr())
	return p.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (p *Publisher) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- p.server.Serve(lis) }()

	select {
	case <-ctx.Done():
		p.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		p.Stop()
		return err
	}
}

// Stop ends every open stream and stops the server.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.server.GracefulStop()
		monitoring.Logf("[output] track stream stopped")
	})
}

// Publish implements fusion.Sink.
func (p *Publisher) Publish(r fusion.Report) error {
	if len(r.Updates) == 0 {
		return nil
	}
	msgs := make([]*structpb.Struct, 0, len(r.Updates))
	for _, u := range r.Updates {
		msg, err := Encode(u)
		if err != nil {
			return fmt.Errorf("encode track %d: %w", u.TrackID, err)
		}
		msgs = append(msgs, msg)
	}

	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for _, ch := range p.clients {
		for _, msg := range msgs {
			select {
			case ch <- msg:
				p.published.Add(1)
			default:
				p.dropped.Add(1)
			}
		}
	}
	return nil
}

// StreamTracks implements TrackServiceServer.
func (p *Publisher) StreamTracks(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id, ch := p.addClient()
	defer p.removeClient(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case msg := <-ch:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (p *Publisher) addClient() (string, chan *structpb.Struct) {
	id := uuid.NewString()
	ch := make(chan *structpb.Struct, p.config.ClientBuffer)

	p.clientsMu.Lock()
	p.clients[id] = ch
	p.clientsMu.Unlock()

	n := p.clientCount.Add(1)
	monitoring.Logf("[output] client connected: %s (total: %d)", id, n)
	return id, ch
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	_, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		monitoring.Logf("[output] client disconnected: %s (remaining: %d)", id, n)
	}
}

// Stats contains publisher statistics.
type Stats struct {
	Clients   int32
	Published uint64
	Dropped   uint64
}

func (p *Publisher) Stats() Stats {
	return Stats{
		Clients:   p.clientCount.Load(),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// AttachDebugRoutes exposes the publisher counters on the debug page.
func (p *Publisher) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Output clients", func() any { return p.clientCount.Load() })
	debug.KVFunc("Output updates", func() any {
		return fmt.Sprintf("%d sent, %d dropped", p.published.Load(), p.dropped.Load())
	})
}
