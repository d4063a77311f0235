// websocket.go
package lxdops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close reasons are limited to 123 bytes by the protocol.
const maxCloseReason = 123

type WebSocketHandler struct {
	Tracker  *OperationTracker
	Logger   *zap.Logger
	Upgrader websocket.Upgrader
}

func NewWebSocketHandler(tracker *OperationTracker, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		Tracker: tracker,
		Logger:  logger,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// WatchOperation streams every snapshot of one operation to the client as
// JSON, starting with the current one. The socket is closed after a final
// status has been sent.
func (h *WebSocketHandler) WatchOperation(w http.ResponseWriter, r *http.Request) {
	operationID := r.PathValue("id")
	if err := validateOperationID(operationID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hijacked connections do not cancel the request context; watch reads.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates := make(chan Metadata, 16)
	ready := make(chan struct{})
	subscribed := make(chan error, 1)
	go func() {
		subscribed <- h.Tracker.Broadcaster.Subscribe(ctx, operationID, updates, ready)
	}()

	select {
	case <-ready:
	case err := <-subscribed:
		h.Logger.Error("Failed to watch operation", zap.String("operationID", operationID), zap.Error(err))
		return
	}

	if op, err := h.Tracker.GetOperation(ctx, operationID); err == nil && op.HasStarted() {
		if done := h.send(conn, op.Metadata()); done {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case md := <-updates:
			if done := h.send(conn, md); done {
				return
			}
		}
	}
}

// send writes one snapshot and reports whether the watch is over.
func (h *WebSocketHandler) send(conn *websocket.Conn, md Metadata) bool {
	if err := conn.WriteJSON(md); err != nil {
		h.Logger.Error("Failed to write JSON to WebSocket", zap.Error(err))
		return true
	}
	if !md.StatusCode.IsFinal() {
		return false
	}

	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, md.StatusCode.String())
	conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
	return true
}

// AttachOperation opens the operation's own websocket with the secret from
// the query string and relays frames between it and the client.
func (h *WebSocketHandler) AttachOperation(w http.ResponseWriter, r *http.Request) {
	operationID := r.PathValue("id")
	secret := r.URL.Query().Get("secret")
	if secret == "" {
		writeError(w, ErrMissingSecret)
		return
	}

	op, err := h.Tracker.GetOperation(r.Context(), operationID)
	if err != nil {
		writeError(w, err)
		return
	}

	opened := make(chan error, 1)
	upstream := op.WebSocket(secret, func(_ *Stream, err error) {
		opened <- err
	})
	if upstream == nil {
		writeError(w, <-opened)
		return
	}
	defer upstream.Close()

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.Logger.With(zap.String("operationID", operationID))

	if err := <-opened; err != nil {
		logger.Warn("Failed to open operation websocket", zap.Error(err))
		reason := err.Error()
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		closeMessage := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
		conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
		return
	}

	logger.Info("Relaying operation websocket")

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := upstream.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := upstream.ReadMessage()
			if err != nil {
				closeCode := websocket.CloseNormalClosure
				closeReason := ""
				var ce *websocket.CloseError
				// 1005 and 1006 are reserved and cannot be sent.
				if errors.As(err, &ce) && ce.Code != websocket.CloseNoStatusReceived && ce.Code != websocket.CloseAbnormalClosure {
					closeCode = ce.Code
					closeReason = ce.Text
				}
				closeMessage := websocket.FormatCloseMessage(closeCode, closeReason)
				conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}()

	<-done
	upstream.Close()
	conn.Close()
	<-done

	logger.Info("Operation websocket relay finished")
}
