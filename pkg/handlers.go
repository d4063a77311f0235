// handlers.go
package lxdops

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

type HTTPHandler struct {
	Tracker *OperationTracker
	Logger  *zap.Logger
}

func NewHTTPHandler(tracker *OperationTracker, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		Tracker: tracker,
		Logger:  logger,
	}
}

// NewRouter mounts the REST and websocket endpoints.
func NewRouter(httpHandler *HTTPHandler, webSocketHandler *WebSocketHandler) *http.ServeMux {
	r := http.NewServeMux()
	r.HandleFunc("GET /1.0/operations", httpHandler.ListOperations)
	r.HandleFunc("GET /1.0/operations/{id}", httpHandler.GetOperation)
	r.HandleFunc("DELETE /1.0/operations/{id}", httpHandler.DeleteOperation)
	r.HandleFunc("POST /1.0/events", httpHandler.PostEvent)
	r.HandleFunc("GET /1.0/operations/{id}/watch", webSocketHandler.WatchOperation)
	r.HandleFunc("GET /1.0/operations/{id}/attach", webSocketHandler.AttachOperation)
	return r
}

func (h *HTTPHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	operations, err := h.Tracker.ListOperations(r.Context())
	if err != nil {
		http.Error(w, "Failed to retrieve operations", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, operations)
}

func (h *HTTPHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.Tracker.GetOperation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, op.Metadata())
}

func (h *HTTPHandler) DeleteOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.Tracker.Forget(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PostEvent accepts events pushed by the server's event stream.
func (h *HTTPHandler) PostEvent(w http.ResponseWriter, r *http.Request) {
	var event Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.Logger.Warn("Malformed event", zap.Error(err))
		http.Error(w, "Malformed event", http.StatusBadRequest)
		return
	}

	op, err := h.Tracker.HandleEvent(r.Context(), event)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, op.Metadata())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMissingOperationID),
		errors.Is(err, ErrInvalidOperationID),
		errors.Is(err, ErrNotOperationEvent),
		errors.Is(err, ErrFailedToUnmarshal),
		errors.Is(err, ErrMissingSecret),
		errors.Is(err, ErrNotWebSocketClass):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		http.Error(w, "Internal server error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
