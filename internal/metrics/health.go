package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by any Store backend that can report reachability;
// mirrors store.Pinger so this package doesn't need to import internal/store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves spec.md's ambient /healthz check: up if the
// configured Store backend is reachable, down otherwise.
type HealthHandler struct {
	Store Pinger
}

type healthResponse struct {
	Status string `json:"status"`
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		writeHealth(w, http.StatusServiceUnavailable, "down")
		return
	}
	writeHealth(w, http.StatusOK, "up")
}

func writeHealth(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: status})
}
