package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/uiregress/internal/orchestrator"
	"github.com/shehryarbajwa/uiregress/internal/relay"
	"github.com/shehryarbajwa/uiregress/internal/run"
	"github.com/shehryarbajwa/uiregress/internal/script"
	"github.com/shehryarbajwa/uiregress/internal/store"
	"github.com/shehryarbajwa/uiregress/pkg/models"
)

// Runs is the run manager as seen by the handlers
type Runs interface {
	Execute(ctx context.Context, req models.ExecuteRequest) (models.Run, error)
	Get(id string) (models.Run, error)
	List(status models.RunStatus) []models.Run
	Live(id string) (orchestrator.Session, error)
}

// Viewers relays a live session to a WebSocket client
type Viewers interface {
	ServeViewer(w http.ResponseWriter, r *http.Request, source relay.Source) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	runs    Runs
	viewers Viewers
	logger  logrus.FieldLogger
}

// NewHandler creates a new HTTP handler
func NewHandler(runs Runs, viewers Viewers, logger logrus.FieldLogger) *Handler {
	return &Handler{
		runs:    runs,
		viewers: viewers,
		logger:  logger,
	}
}

// ExecuteTest handles POST /execute-test/{id} and POST /v1/tests/{id}/execute
func (h *Handler) ExecuteTest(w http.ResponseWriter, r *http.Request) {
	req := models.ExecuteRequest{TestID: mux.Vars(r)["id"]}

	query := r.URL.Query()
	if list := query.Get("engines"); list != "" {
		kinds, err := models.ParseEngineList(list)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Engines = kinds
	}
	if async := query.Get("async"); async != "" {
		v, err := strconv.ParseBool(async)
		if err != nil {
			writeError(w, http.StatusBadRequest, "async must be a boolean")
			return
		}
		req.Async = v
	}

	result, err := h.runs.Execute(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Test not found")
		return
	case errors.Is(err, script.ErrInvalidScript):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, run.ErrBusy):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	default:
		h.logger.WithError(err).WithField("test_id", req.TestID).Error("test execution failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if req.Async {
		writeJSON(w, http.StatusAccepted, models.ExecuteResponse{Run: &result})
		return
	}
	writeJSON(w, http.StatusOK, models.ExecuteResponse{
		Message: "Tests executed successfully",
		Run:     &result,
	})
}

// GetRun handles GET /v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	result, err := h.runs.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListRuns handles GET /v1/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	status := models.RunStatus(r.URL.Query().Get("status"))

	runs := h.runs.List(status)
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// WatchRun handles GET /v1/runs/{id}/live
func (h *Handler) WatchRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, err := h.runs.Live(id)
	switch {
	case errors.Is(err, run.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "Run not found")
		return
	case errors.Is(err, run.ErrNotLive):
		writeError(w, http.StatusConflict, "Run is not live")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// the relay owns the response from here, including upgrade failures
	if err := h.viewers.ServeViewer(w, r, sess); err != nil {
		h.logger.WithError(err).WithField("run_id", id).Debug("viewer ended")
	}
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}
