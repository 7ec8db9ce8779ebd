package healthcheck

import (
	"encoding/json"
	"net/http"
	"time"
)

// LivenessHandler serves /healthz. The process is live while the daemon ping
// loop keeps running, whether or not the daemon answered.
func LivenessHandler(tracker *Tracker, pollInterval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusServiceUnavailable
		if tracker.Healthy(time.Now().UTC(), pollInterval) {
			status = http.StatusOK
		}
		writeSnapshot(w, status, tracker.Snapshot())
	}
}

// ReadinessHandler serves /readyz. With ?group=<id> the group's most recent
// pass must also have settled, which lets a shell wait for Open WebUI before
// opening it.
func ReadinessHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready := tracker.Ready()
		if group := r.URL.Query().Get("group"); group != "" && ready {
			ready = tracker.Settled(group)
		}
		status := http.StatusServiceUnavailable
		if ready {
			status = http.StatusOK
		}
		writeSnapshot(w, status, tracker.Snapshot())
	}
}

func writeSnapshot(w http.ResponseWriter, status int, snapshot Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(snapshot)
}
