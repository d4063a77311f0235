package lxdops

import (
	"errors"

	"github.com/gorilla/websocket"
)

var (
	ErrNotWebSocketClass     = errors.New("the operation is not of websocket class")
	ErrOperationNotFound     = errors.New("operation not found")
	ErrMissingOperationID    = errors.New("missing operation id")
	ErrInvalidOperationID    = errors.New("invalid operation id")
	ErrNotOperationEvent     = errors.New("event does not describe an operation")
	ErrMissingSecret         = errors.New("missing secret")
	ErrMissingCertificate    = errors.New("client key and certificate must be set together")
	ErrFailedToMarshal       = errors.New("failed to marshal operation")
	ErrFailedToUnmarshal     = errors.New("failed to unmarshal operation")
	ErrFailedToSaveToRedis   = errors.New("failed to save operation to Redis")
	ErrFailedToDeleteRedis   = errors.New("failed to delete operation from Redis")
	ErrFailedToRetrieveKeys  = errors.New("failed to retrieve keys")
	ErrFailedToPublishUpdate = errors.New("failed to publish operation update")
)

// UpgradeError is returned when the server answers a websocket handshake
// with a plain HTTP response. Its message is the response body, which the
// websocket dialer keeps only up to its first 1 KiB.
type UpgradeError struct {
	StatusCode int
	Body       string
}

func (e *UpgradeError) Error() string {
	return e.Body
}

func (e *UpgradeError) Unwrap() error {
	return websocket.ErrBadHandshake
}
