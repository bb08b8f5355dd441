package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	epochsettlementservice "settlement/contexts/network-rewards/epoch-settlement-service"
	settlementerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	settlementhttp "settlement/contexts/network-rewards/epoch-settlement-service/transport/http"
	"settlement/internal/platform/metrics"

	httpSwagger "github.com/swaggo/http-swagger"
	_ "settlement/internal/platform/httpserver/docs"
)

type Server struct {
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
	addr       string
	settlement epochsettlementservice.Module
	metrics    *metrics.Metrics
}

func New(
	settlement epochsettlementservice.Module,
	metricsRegistry *metrics.Metrics,
	logger *slog.Logger,
	addr string,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		mux:        http.NewServeMux(),
		logger:     logger,
		addr:       addr,
		settlement: settlement,
		metrics:    metricsRegistry,
	}
	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.addr,
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.Handle("/swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.handle("GET /v1/epochs", "get_epoch_by_date", s.handleGetEpochByDate)
	s.handle("GET /v1/epochs/{epoch_id}", "get_epoch", s.handleGetEpoch)
	s.handle("GET /v1/epochs/{epoch_id}/rewards", "list_rewards", s.handleListRewards)
	s.handle("POST /v1/epochs/{epoch_id}/regenerate", "request_regeneration", s.handleRequestRegeneration)
	s.handle("GET /v1/emission/{date}", "emission", s.handleEmission)
}

func (s *Server) handle(pattern string, route string, handler http.HandlerFunc) {
	if s.metrics != nil {
		handler = s.metrics.Instrument(route, handler)
	}
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetEpoch godoc
// @Summary Get settlement state of an epoch
// @Tags epochs
// @Produce json
// @Param epoch_id path int true "Epoch ID"
// @Success 200 {object} settlementhttp.EpochResponse
// @Failure 404 {object} settlementhttp.ErrorResponse
// @Router /v1/epochs/{epoch_id} [get]
func (s *Server) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	epochID, ok := parseEpochID(w, r)
	if !ok {
		return
	}
	resp, err := s.settlement.Handler.GetEpochHandler(r.Context(), epochID)
	if err != nil {
		s.writeSettlementDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetEpochByDate godoc
// @Summary Find an epoch by its date
// @Tags epochs
// @Produce json
// @Param date query string true "Epoch date (YYYY-MM-DD)"
// @Success 200 {object} settlementhttp.EpochResponse
// @Router /v1/epochs [get]
func (s *Server) handleGetEpochByDate(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if strings.TrimSpace(date) == "" {
		writeSettlementError(w, http.StatusBadRequest, "missing_date", "date query parameter is required")
		return
	}
	resp, err := s.settlement.Handler.GetEpochByDateHandler(r.Context(), date)
	if err != nil {
		s.writeSettlementDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListRewards godoc
// @Summary List reward records of one channel
// @Tags rewards
// @Produce json
// @Param epoch_id path int true "Epoch ID"
// @Param channel query string true "wubi or wupi"
// @Success 200 {object} settlementhttp.RewardsResponse
// @Router /v1/epochs/{epoch_id}/rewards [get]
func (s *Server) handleListRewards(w http.ResponseWriter, r *http.Request) {
	epochID, ok := parseEpochID(w, r)
	if !ok {
		return
	}
	resp, err := s.settlement.Handler.ListRewardsHandler(r.Context(), epochID, r.URL.Query().Get("channel"))
	if err != nil {
		s.writeSettlementDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRequestRegeneration godoc
// @Summary Queue reward regeneration for an epoch
// @Tags epochs
// @Accept json
// @Produce json
// @Param epoch_id path int true "Epoch ID"
// @Param request body settlementhttp.RegenerateRequest true "Scope"
// @Success 202 {object} settlementhttp.EpochResponse
// @Failure 409 {object} settlementhttp.ErrorResponse
// @Router /v1/epochs/{epoch_id}/regenerate [post]
func (s *Server) handleRequestRegeneration(w http.ResponseWriter, r *http.Request) {
	epochID, ok := parseEpochID(w, r)
	if !ok {
		return
	}
	var req settlementhttp.RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSettlementError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	resp, err := s.settlement.Handler.RequestRegenerationHandler(r.Context(), epochID, req)
	if err != nil {
		s.writeSettlementDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleEmission godoc
// @Summary Emission split for a date
// @Tags emission
// @Produce json
// @Param date path string true "Date (YYYY-MM-DD)"
// @Success 200 {object} settlementhttp.EmissionResponse
// @Router /v1/emission/{date} [get]
func (s *Server) handleEmission(w http.ResponseWriter, r *http.Request) {
	resp, err := s.settlement.Handler.EmissionHandler(r.Context(), r.PathValue("date"))
	if err != nil {
		s.writeSettlementDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseEpochID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	epochID, err := strconv.ParseInt(r.PathValue("epoch_id"), 10, 64)
	if err != nil || epochID <= 0 {
		writeSettlementError(w, http.StatusBadRequest, "invalid_epoch_id", "epoch_id must be a positive integer")
		return 0, false
	}
	return epochID, true
}

func (s *Server) writeSettlementDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlementerrors.ErrEpochNotFound):
		writeSettlementError(w, http.StatusNotFound, "epoch_not_found", err.Error())
	case errors.Is(err, settlementerrors.ErrInvalidEpochInput):
		writeSettlementError(w, http.StatusBadRequest, "invalid_epoch_input", err.Error())
	case errors.Is(err, settlementerrors.ErrInvalidChannel):
		writeSettlementError(w, http.StatusBadRequest, "invalid_channel", err.Error())
	case errors.Is(err, settlementerrors.ErrInvalidRegenerateType):
		writeSettlementError(w, http.StatusBadRequest, "invalid_regenerate_type", err.Error())
	case errors.Is(err, settlementerrors.ErrRegenerationInProgress):
		writeSettlementError(w, http.StatusConflict, "regeneration_in_progress", err.Error())
	case errors.Is(err, settlementerrors.ErrPaidRewardsInScope):
		writeSettlementError(w, http.StatusConflict, "paid_rewards_in_scope", err.Error())
	case errors.Is(err, settlementerrors.ErrEpochAlreadyProcessed):
		writeSettlementError(w, http.StatusConflict, "epoch_already_processed", err.Error())
	default:
		s.logger.Error("settlement request failed",
			"event", "http_settlement_request_failed",
			"module", "internal/platform/httpserver",
			"layer", "platform",
			"error", err.Error(),
		)
		writeSettlementError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeSettlementError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, settlementhttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
