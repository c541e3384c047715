package serving

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/viva-health/screening/pkg/common/logger"
	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/observability/metrics"
)

const errNHSRequired = "NHS number is required"

// RiskService is the behaviour the HTTP layer needs from Service.
type RiskService interface {
	CheckRisk(ctx context.Context, nhsNumber string) (models.RiskCheckResponse, error)
	SubmitQuiz(ctx context.Context, nhsNumber string, answers models.QuizAnswers) (models.QuizResult, error)
}

// PredictionLogReader lists recorded predictions.
type PredictionLogReader interface {
	Recent(ctx context.Context, limit int) ([]PredictionLog, error)
}

type Handler struct {
	service  RiskService
	logs     PredictionLogReader
	validate *validator.Validate
}

type HandlerOption func(*Handler)

// WithPredictionLogs exposes recorded predictions on GET /api/predictions.
func WithPredictionLogs(logs PredictionLogReader) HandlerOption {
	return func(h *Handler) { h.logs = logs }
}

func NewHandler(service RiskService, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/check-risk", h.handleCheckRisk).Methods(http.MethodPost)
	r.HandleFunc("/api/submit-quiz", h.handleSubmitQuiz).Methods(http.MethodPost)
	r.HandleFunc("/api/health", healthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if h.logs != nil {
		r.HandleFunc("/api/predictions", h.handlePredictions).Methods(http.MethodGet)
	}
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) handleCheckRisk(w http.ResponseWriter, r *http.Request) {
	var req models.RiskCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err, "invalid check-risk request")
		return
	}
	req.NHSNumber = strings.TrimSpace(req.NHSNumber)
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: errNHSRequired})
		return
	}

	resp, err := h.service.CheckRisk(r.Context(), req.NHSNumber)
	if err != nil {
		writeError(w, err, "risk check failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSubmitQuiz(w http.ResponseWriter, r *http.Request) {
	var answers models.QuizAnswers
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&answers); err != nil {
		writeError(w, err, "invalid quiz submission")
		return
	}
	nhsNumber := models.StringValue(answers["nhs_number"])

	result, err := h.service.SubmitQuiz(r.Context(), nhsNumber, answers)
	if err != nil {
		writeError(w, err, "quiz scoring failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handlePredictions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	logs, err := h.logs.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err, "failed to list predictions")
		return
	}
	if logs == nil {
		logs = []PredictionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"predictions": logs,
		"count":       len(logs),
	})
}

// writeError logs the cause and replies 500 with the error text.
func writeError(w http.ResponseWriter, err error, msg string) {
	logger.Log.WithError(err).Error(msg)
	writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Warn("failed to encode response")
	}
}
