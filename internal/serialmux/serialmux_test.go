package serialmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kejingjing/sensible/internal/config"
)

// TestSerialPort replays fixed input and captures writes.
type TestSerialPort struct {
	mu       sync.Mutex
	r        io.Reader
	written  bytes.Buffer
	writeErr error
	shortW   bool
	closed   bool
}

func NewTestSerialPort(data string) *TestSerialPort {
	return &TestSerialPort{r: bytes.NewBufferString(data)}
}

func (p *TestSerialPort) Read(buf []byte) (int, error) { return p.r.Read(buf) }

func (p *TestSerialPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	if p.shortW {
		return len(data) - 1, nil
	}
	return p.written.Write(data)
}

func (p *TestSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *TestSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestMonitor_FansOutLines(t *testing.T) {
	mux := NewSerialMux(NewTestSerialPort("one\ntwo\nthree\n"))
	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	require.NoError(t, mux.Monitor(context.Background()))

	for _, ch := range []chan string{a, b} {
		var got []string
		for len(ch) > 0 {
			got = append(got, <-ch)
		}
		assert.Equal(t, []string{"one", "two", "three"}, got)
	}
}

func TestMonitor_SlowSubscriberDrops(t *testing.T) {
	var input bytes.Buffer
	for i := 0; i < SubscriberBuffer+5; i++ {
		input.WriteString("x\n")
	}
	mux := NewSerialMux(NewTestSerialPort(input.String()))
	_, ch := mux.Subscribe()

	require.NoError(t, mux.Monitor(context.Background()))
	assert.Len(t, ch, SubscriberBuffer)
	assert.Equal(t, uint64(5), mux.Dropped())
}

type blockingPort struct{ unblock chan struct{} }

func (p blockingPort) Read([]byte) (int, error)    { <-p.unblock; return 0, io.EOF }
func (p blockingPort) Write(b []byte) (int, error) { return len(b), nil }
func (p blockingPort) Close() error                { return nil }

func TestMonitor_ContextCancel(t *testing.T) {
	port := blockingPort{unblock: make(chan struct{})}
	defer close(port.unblock)
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestSendCommand(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("OJ"))
	require.NoError(t, mux.SendCommand("OS\n"))
	assert.Equal(t, "OJ\nOS\n", port.Written())

	port.shortW = true
	assert.ErrorIs(t, mux.SendCommand("OJ"), ErrWriteFailed)

	port.shortW = false
	port.writeErr = errors.New("unplugged")
	assert.EqualError(t, mux.SendCommand("OJ"), "unplugged")
}

func TestUnsubscribeAndClose(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)
	id, a := mux.Subscribe()
	_, b := mux.Subscribe()

	mux.Unsubscribe(id)
	_, ok := <-a
	assert.False(t, ok)
	mux.Unsubscribe(id)

	require.NoError(t, mux.Close())
	_, ok = <-b
	assert.False(t, ok)
	assert.True(t, port.closed)
}

func TestOpen_Disabled(t *testing.T) {
	cfg := config.Defaults().Radar
	cfg.Enabled = false
	mux, err := Open(cfg)
	require.NoError(t, err)
	assert.IsType(t, &DisabledSerialMux{}, mux)
}

func TestOpen_MissingDevice(t *testing.T) {
	cfg := config.Defaults().Radar
	cfg.Port = "/dev/does-not-exist-sensible"
	_, err := Open(cfg)
	assert.Error(t, err)
}
