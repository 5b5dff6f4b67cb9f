package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"erpsync/internal/config"
	"erpsync/internal/database"
	"erpsync/internal/dispatcher"
	"erpsync/internal/domain"
	"erpsync/internal/events"
	"erpsync/internal/integration"
	"erpsync/internal/logging"
	"erpsync/internal/metrics"
	"erpsync/internal/models"
	"erpsync/internal/syncstate"

	"github.com/rs/zerolog"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Services are the collaborators the HTTP API fronts.
type Services struct {
	DB         *database.DB
	Dispatcher *dispatcher.Dispatcher
	Machine    *syncstate.Machine
	Worker     *integration.Worker
	Bus        domain.EventPublisher
}

// HTTPServer exposes queue health, sync status and operator actions.
type HTTPServer struct {
	cfg    config.APIConfig
	svc    Services
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{
		cfg:    cfg,
		svc:    svc,
		auth:   NewHTTPAuth(cfg),
		logger: logging.Component(logger, "http"),
	}

	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /api/v1/queue/health", srv.handleQueueHealth)
	mux.HandleFunc("GET /api/v1/sync", srv.handleListSync)
	mux.HandleFunc("GET /api/v1/sync/{id}", srv.handleGetSync)
	mux.HandleFunc("POST /api/v1/sync/{id}/retry", srv.handleRetry)
	mux.HandleFunc("POST /api/v1/orders/{id}/events", srv.handleOrderEvent)
	mux.HandleFunc("POST /api/v1/catalog/{kind}", srv.handleCatalog)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}

	return srv
}

// Handler is the fully wrapped router.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DB.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.Dispatcher.Health(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *HTTPServer) handleListSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := models.SyncStatus(strings.TrimSpace(q.Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	limit := defaultListLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	views, err := s.svc.Machine.ListStatuses(r.Context(), status, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": views})
}

func (s *HTTPServer) handleGetSync(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}

	view, err := s.svc.Machine.GetSyncStatus(r.Context(), orderID)
	if errors.Is(err, syncstate.ErrNoSyncRecord) {
		writeError(w, http.StatusNotFound, "no sync record for order")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}
	confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirmed"))

	res, out, err := s.svc.Worker.ManualRetry(r.Context(), orderID, confirmed)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	switch res {
	case syncstate.ManualRetryNeedsConfirmation:
		writeJSON(w, http.StatusPreconditionRequired, map[string]any{
			"result": res,
			"error":  "order already synced; repeat with confirmed=true to push it again",
		})
	case syncstate.ManualRetryStillProcessing:
		writeJSON(w, http.StatusConflict, map[string]any{"result": res, "error": "sync attempt in progress"})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"result": res, "outcome": out})
	}
}

type orderEventRequest struct {
	Type           string `json:"type"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status"`
}

// handleOrderEvent records a storefront lifecycle change and publishes it on the bus.
func (s *HTTPServer) handleOrderEvent(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}

	var body orderEventRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch body.Type {
	case events.EventOrderPaid:
		if body.Status == "" {
			body.Status = models.OrderStatusPaid
		}
	case events.EventOrderStatusChanged:
		if body.Status == "" {
			writeError(w, http.StatusBadRequest, "status is required")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", body.Type))
		return
	}

	err := s.svc.DB.UpdateOrderStatus(r.Context(), orderID, body.Status)
	if errors.Is(err, database.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	payload := events.OrderEventPayload{OrderID: orderID, Status: body.Status, PreviousStatus: body.PreviousStatus}
	if err := s.svc.Bus.PublishJSON(body.Type, payload); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"order_id": orderID, "event": body.Type})
}

func (s *HTTPServer) handleCatalog(w http.ResponseWriter, r *http.Request) {
	var kind models.TaskKind
	switch r.PathValue("kind") {
	case "products", string(models.TaskProductImport):
		kind = models.TaskProductImport
	case "stock", string(models.TaskStockUpdate):
		kind = models.TaskStockUpdate
	default:
		writeError(w, http.StatusNotFound, "unknown catalog task")
		return
	}

	task, err := s.svc.Worker.EnqueueCatalogRefresh(r.Context(), kind, splitCSV(r.URL.Query().Get("skus")))
	if errors.Is(err, dispatcher.ErrDuplicate) {
		writeError(w, http.StatusConflict, "catalog refresh already queued")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func pathOrderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "order id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
