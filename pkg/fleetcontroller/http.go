package fleetcontroller

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sentryfleet/sentryfleet/pkg/metrics"
)

// ServeHTTP registers /healthz and /metrics on mux, so the Fleet Controller
// can be scraped and probed independently of the heartbeat wire protocol.
func (fc *FleetController) ServeHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", fc.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
}

func (fc *FleetController) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	fc.mu.Lock()
	count := len(fc.instances)
	fc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"instance_count":  count,
		"last_reconciled": fc.lastReconcile.Format(time.RFC3339),
	})
}
