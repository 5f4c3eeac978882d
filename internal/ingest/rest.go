package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

const DefaultMaxBodyBytes = 2 << 20

type Response struct {
	Status  string `json:"status"`
	TraceID string `json:"trace_id"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Field  string `json:"field,omitempty"`
}

// HTTPHandler serves POST /v1/ingest.
type HTTPHandler struct {
	svc     *Service
	maxBody int64
	logger  *slog.Logger
}

func NewHTTPHandler(svc *Service, maxBody int64, logger *slog.Logger) *HTTPHandler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{svc: svc, maxBody: maxBody, logger: logger}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Detail: "method not allowed"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "request body too large"})
			return
		}
		h.logger.Debug("ingest body read failed", "remote", r.RemoteAddr, "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "could not read request body"})
		return
	}
	ev, err := DecodeEvent(body)
	if err != nil {
		writeError(w, err)
		return
	}
	traceID, err := h.svc.Ingest(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "queued", TraceID: traceID})
}

func writeError(w http.ResponseWriter, err error) {
	if verr, ok := IsValidation(err); ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: verr.Reason, Field: verr.Field})
		return
	}
	var perr *PublishError
	if errors.As(err, &perr) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "internal server error: " + perr.Err.Error()})
		return
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
