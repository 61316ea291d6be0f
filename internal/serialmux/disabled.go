package serialmux

import (
	"context"
	"net/http"
	"sync"

	"tailscale.com/tsweb"

	"github.com/kejingjing/sensible/internal/httputil"
	"github.com/kejingjing/sensible/internal/monitoring"
)

// DisabledSerialMux stands in for the radar link when the radar is turned
// off. No line is ever delivered; a subscription only ends, on Unsubscribe
// or Close, so readers blocked on it return at shutdown.
type DisabledSerialMux struct {
	mu     sync.Mutex
	subs   map[string]chan string
	closed bool
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subs: make(map[string]chan string)}
}

// Subscribe returns an unbuffered channel that is never written to. After
// Close the channel comes back already closed.
func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
		return id, ch
	}
	d.subs[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release(id)
}

// release closes and forgets one subscription. d.mu must be held.
func (d *DisabledSerialMux) release(id string) {
	if ch, ok := d.subs[id]; ok {
		close(ch)
		delete(d.subs, id)
	}
}

// Subscribers returns the number of open subscriptions.
func (d *DisabledSerialMux) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// SendCommand drops cmd; there is no device to write it to.
func (d *DisabledSerialMux) SendCommand(cmd string) error {
	monitoring.Verbosef("radar disabled: dropping command %q", cmd)
	return nil
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for id := range d.subs {
		d.release(id)
	}
	return nil
}

type disabledStatus struct {
	Enabled     bool `json:"enabled"`
	Subscribers int  `json:"subscribers"`
}

// AttachAdminRoutes mounts /debug/radar-disabled, which reports the link as
// off along with the number of idle subscribers.
func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("radar-disabled", "radar link state (disabled)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, disabledStatus{Subscribers: d.Subscribers()})
	})
}
