package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/dispatcher"
)

// envelope is a {"data": ...} / {"error": ...} response wrapper.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func ok(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, envelope{"data": payload})
}

// RouterConfig holds the dependencies needed to build the admin router.
type RouterConfig struct {
	Dispatcher *dispatcher.Dispatcher
	TokenMgr   *TokenManager
	Hub        *Hub
	Logger     *zap.Logger
}

// NewRouter builds the read-only admin/observability HTTP surface: worker
// and task listings, Prometheus metrics, and a live WebSocket event feed.
// None of it sits on the critical client/worker/dispatcher protocol path;
// it exists purely for operators to see what the dispatcher is doing.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	h := &handlers{disp: cfg.Dispatcher}

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	// The WebSocket route authenticates via a token query parameter inside
	// ServeWS rather than the bearer-header middleware, since the browser
	// WebSocket API cannot set custom headers.
	r.Get("/ws", cfg.Hub.ServeWS(cfg.TokenMgr))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.TokenMgr))
		r.Get("/workers", h.listWorkers)
		r.Get("/tasks", h.listTasks)
	})

	return r
}

// requestLogger logs every request with method, path, status and latency,
// request-scoped logging middleware.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("admin request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
			)
		})
	}
}

type handlers struct {
	disp *dispatcher.Dispatcher
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ok(w, envelope{"status": "ok"})
}

// workerView is the JSON shape returned for each worker, leaving out the
// internal record's zero-value plumbing.
type workerView struct {
	Address      string `json:"address"`
	State        string `json:"state"`
	LastUpdateTm string `json:"last_update_tm"`
}

func (h *handlers) listWorkers(w http.ResponseWriter, r *http.Request) {
	snap := h.disp.Workers().Snapshot()
	out := make([]workerView, 0, len(snap))
	for _, rec := range snap {
		out = append(out, workerView{
			Address:      rec.Addr.String(),
			State:        rec.State.String(),
			LastUpdateTm: rec.LastUpdateTm.UTC().Format(time.RFC3339),
		})
	}
	ok(w, out)
}

// taskView is the JSON shape returned for each task.
type taskView struct {
	TaskUUID          string `json:"task_uuid"`
	ClientAddress     string `json:"client_address"`
	CalculatorAddress string `json:"calculator_address,omitempty"`
	Status            string `json:"status"`
	CreatedTm         string `json:"created_tm"`
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	snap := h.disp.Tasks().Snapshot()
	out := make([]taskView, 0, len(snap))
	for _, rec := range snap {
		v := taskView{
			TaskUUID:      rec.Key.UUID(),
			ClientAddress: rec.ClientAddr.String(),
			Status:        rec.Status.String(),
			CreatedTm:     rec.CreatedTm.UTC().Format(time.RFC3339),
		}
		if rec.HasCalculatorAddr {
			v.CalculatorAddress = rec.CalculatorAddr.String()
		}
		out = append(out, v)
	}
	ok(w, out)
}
