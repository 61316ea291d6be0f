// Package serialmux multiplexes one radar serial link: every line read from
// the port is fanned out to all subscribers, and commands from any client
// are written to the single device.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/kejingjing/sensible/internal/httputil"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// SubscriberBuffer is the number of lines buffered per subscriber. A
// subscriber that falls further behind misses lines.
const SubscriberBuffer = 256

// SerialMuxInterface is implemented by the real, generic SerialMux and by
// DisabledSerialMux.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the serial
	// port. The returned ID is used to unsubscribe.
	Subscribe() (string, chan string)
	// Unsubscribe closes and removes a subscriber channel.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads lines from the serial port until ctx is done or the port
	// is exhausted.
	Monitor(context.Context) error
	// Close closes all subscribed channels and the port.
	Close() error
	// AttachAdminRoutes mounts the debug endpoints under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// SerialMux fans lines from a single port out to many subscribers.
type SerialMux[T SerialPorter] struct {
	port T

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	dropped      uint64

	commandMu sync.Mutex

	closingMu sync.Mutex
	closing   bool
}

// NewSerialMux wraps port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, SubscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Dropped returns the number of lines not delivered to a full subscriber.
func (s *SerialMux[T]) Dropped() uint64 {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return s.dropped
}

// SendCommand writes command to the port, appending a newline if missing.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor scans the port line by line and delivers each line to every
// subscriber without blocking. It returns nil when the port reaches EOF.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan runs on its own goroutine so cancellation is
	// observed between lines.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
				}
				return nil
			}
			s.closingMu.Lock()
			closing := s.closing
			s.closingMu.Unlock()
			if closing {
				return nil
			}
			s.fanOut(line)
		}
	}
}

func (s *SerialMux[T]) fanOut(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.dropped++
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

// AttachAdminRoutes mounts /debug/radar-command (POST a command to the
// radar) and /debug/radar-tail (server-sent events of every line read).
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("radar-command", "send a command to the radar (POST command=...)", func(w http.ResponseWriter, r *http.Request) {
		sendCommand(s, w, r)
	})
	debug.HandleFunc("radar-tail", "live tail of radar serial lines", func(w http.ResponseWriter, r *http.Request) {
		tail(s, w, r)
	})
}

func sendCommand(s SerialMuxInterface, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		httputil.BadRequest(w, "Missing command")
		return
	}
	if err := s.SendCommand(command); err != nil {
		httputil.InternalServerError(w, "Failed to write command", err)
		return
	}
	io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
}

func tail(s SerialMuxInterface, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := s.Subscribe()
	defer s.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case payload, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
