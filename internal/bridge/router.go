package bridge

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the bridge endpoints:
//
//	GET /metrics  Prometheus exposition of gatherer
//	GET /buddies  the roster as JSON
//	GET /ws       event stream and send commands
func NewRouter(hub *Hub, gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/buddies", hub.serveBuddies)
	r.Get("/ws", hub.HandleWebSocket)
	return r
}

func (h *Hub) serveBuddies(w http.ResponseWriter, _ *http.Request) {
	buddies := h.session.Buddies()
	views := make([]BuddyView, len(buddies))
	for i, b := range buddies {
		views[i] = viewOf(b)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		h.logger.Debug("write buddies", "err", err)
	}
}
