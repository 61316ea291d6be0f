package fusion

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/kejingjing/sensible/internal/httputil"
)

// AttachDebugRoutes mounts the engine counters on the /debug/ index and the
// live track table at /debug/fusion-tracks.
func (e *Engine) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Fusion cycles", func() any { return e.stats.Cycles.Load() })
	debug.KVFunc("Fusion tracks", func() any { return e.Len() })
	debug.KVFunc("Fusion gate", func() any { return e.threshold })
	debug.KVFunc("Fusion counters", func() any { return e.stats.Values() })

	debug.HandleFunc("fusion-tracks", "live fusion track table (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, e.Snapshot())
	})
}
