package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailagent/internal/model"
	"github.com/nhle/mailagent/internal/store"
	"github.com/nhle/mailagent/internal/sync"
)

// Controller is the part of the scheduler the API forwards to.
type Controller interface {
	Config() *model.Config
	Start(cfg *model.Config) error
	Stop()
	RunOnce(ctx context.Context) (model.RunRecord, error)
	UpdateInterval(minutes int) error
	Status() sync.Status
	Stats() model.Stats
	History() []model.RunRecord
}

var _ Controller = (*sync.Scheduler)(nil)

const (
	defaultRunsLimit  = 20
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type Handler struct {
	ctrl   Controller
	audit  store.AuditStore
	logger *zap.Logger
}

func NewHandler(c Controller, audit store.AuditStore, l *zap.Logger) *Handler {
	return &Handler{ctrl: c, audit: audit, logger: l}
}

type intervalRequest struct {
	IntervalMinutes int `json:"interval_minutes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Stats())
}

// GetRuns returns the most recent runs, newest first.
func (h *Handler) GetRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultRunsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs := h.ctrl.History()
	out := make([]model.RunRecord, 0, len(runs))
	for i := len(runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, runs[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAudit queries the audit log. Supported query parameters are
// message_id, sender, run_id, kind, since (RFC 3339), limit and offset.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseOutcomeFilter(r)
	if err != nil {
		h.logger.Warn("Invalid audit query", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcomes, err := h.audit.Query(r.Context(), f)
	if err != nil {
		h.logger.Error("Error querying audit log", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if outcomes == nil {
		outcomes = []model.Outcome{}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (h *Handler) RunOnce(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ctrl.RunOnce(r.Context())
	if errors.Is(err, sync.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Error running scheduler", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Start starts the tick loop. An optional interval_minutes in the body
// replaces the configured interval.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cfg := h.ctrl.Config()
	if req.IntervalMinutes != 0 {
		cfg = cfg.WithInterval(req.IntervalMinutes)
	}

	err := h.ctrl.Start(cfg)
	switch {
	case errors.Is(err, sync.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Warn("Rejected start request", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Stop()
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *Handler) UpdateInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for UpdateInterval", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.ctrl.UpdateInterval(req.IntervalMinutes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func parseOutcomeFilter(r *http.Request) (store.OutcomeFilter, error) {
	q := r.URL.Query()
	f := store.OutcomeFilter{}

	if v := q.Get("message_id"); v != "" {
		f.MessageID = &v
	}
	if v := q.Get("sender"); v != "" {
		f.Sender = &v
	}
	if v := q.Get("run_id"); v != "" {
		f.RunID = &v
	}
	if v := q.Get("kind"); v != "" {
		kind := model.OutcomeKind(v)
		if !kind.Valid() {
			return f, errors.New("unknown outcome kind " + strconv.Quote(v))
		}
		f.Kind = &kind
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be an RFC 3339 timestamp")
		}
		f.Since = &since
	}

	limit, err := intParam(r, "limit", defaultAuditLimit)
	if err != nil {
		return f, err
	}
	f.Limit = min(limit, maxAuditLimit)

	if f.Offset, err = intParam(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

// decodeOptional decodes a JSON body into v. An empty body is not an error.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
