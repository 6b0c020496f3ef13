// Package operator exposes a text test surface over the conversation
// orchestrator: one POST per caller utterance, answered with the reply.
package operator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/logging"
	"github.com/harunnryd/sawt/pkg/orchestrator"
	"github.com/harunnryd/sawt/pkg/redact"
	"github.com/harunnryd/sawt/pkg/turn"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBodyBytes   = 64 << 10
)

// Conversation is the orchestrator's text entry point.
type Conversation interface {
	Converse(ctx context.Context, sessionID, text string) (orchestrator.ConverseResult, error)
}

type ConverseRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type ConverseResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	State     string `json:"state"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// Handler serves POST /api/v1/converse.
type Handler struct {
	conv    Conversation
	timeout time.Duration
	log     *slog.Logger
}

func NewHandler(conv Conversation, timeout time.Duration, log *slog.Logger) *Handler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handler{conv: conv, timeout: timeout, log: logging.NewComponentLogger(log, "operator")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var req ConverseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	start := time.Now()
	res, err := h.conv.Converse(ctx, req.SessionID, req.Text)
	h.log.Info("operator_converse",
		"session_id", res.SessionID,
		"text", redact.Text(req.Text),
		"state", res.State.String(),
		"latency_ms", time.Since(start).Milliseconds(),
		"error", errString(err),
	)
	if err != nil {
		status, code := classify(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ConverseResponse{
		SessionID: res.SessionID,
		Reply:     res.Reply,
		State:     res.State.String(),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyText):
		return http.StatusBadRequest, "empty_text"
	case errors.Is(err, turn.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	switch errorsx.Reason(err) {
	case errorsx.ReasonCapacityExhausted:
		return http.StatusServiceUnavailable, string(errorsx.ReasonCapacityExhausted)
	case errorsx.ReasonCallTerminatedUnexpectedly:
		return http.StatusGone, string(errorsx.ReasonCallTerminatedUnexpectedly)
	case errorsx.ReasonSessionNotFound:
		return http.StatusNotFound, string(errorsx.ReasonSessionNotFound)
	}
	return http.StatusInternalServerError, "internal_error"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
