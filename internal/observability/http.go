package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves the metrics snapshot. ?section=steps|sagas|outbox_delivery|methods
// narrows the body to one map.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := metrics.Snapshot()
		var body any = snap
		switch section := r.URL.Query().Get("section"); section {
		case "":
		case "steps":
			body = snap.Steps
		case "sagas":
			body = snap.Sagas
		case "outbox_delivery":
			body = snap.Delivery
		case "methods":
			body = snap.Methods
		default:
			http.Error(w, "unknown section "+section, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(body)
	})
}
