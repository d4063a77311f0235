// operation.go
package lxdops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Operation wraps the server-reported state of one asynchronous remote task.
// The state is an immutable Metadata snapshot swapped on every Refresh, so
// readers never see a partial update.
type Operation struct {
	client   *Client
	snapshot atomic.Pointer[Metadata]
}

// NewOperation returns an operation that has not been refreshed yet.
func NewOperation(client *Client) *Operation {
	return &Operation{client: client}
}

func (o *Operation) current() *Metadata {
	if md := o.snapshot.Load(); md != nil {
		return md
	}
	return &Metadata{}
}

// Metadata returns the current snapshot. Its Extra map is shared and must
// not be modified.
func (o *Operation) Metadata() Metadata {
	return *o.current()
}

func (o *Operation) ID() string {
	return o.current().ID
}

func (o *Operation) Class() OperationClass {
	return o.current().Class
}

func (o *Operation) Status() string {
	return o.current().Status
}

func (o *Operation) StatusCode() StatusCode {
	return o.current().StatusCode
}

func (o *Operation) HasStarted() bool {
	return o.snapshot.Load() != nil
}

// Refresh replaces the snapshot with data.Metadata. It is called by the
// tracker whenever it polls or is notified about the operation; the payload
// is stored as is.
func (o *Operation) Refresh(data Response) {
	md := data.Metadata
	o.snapshot.Store(&md)
}

// WebSocket connects to the websocket channel of the operation using the
// secret issued with it. The returned Stream can be used right away; callback
// is invoked exactly once when the connection opens or fails. Operations of
// any other class fail synchronously and return nil.
//
// The secret is appended to the query string as is.
func (o *Operation) WebSocket(secret string, callback StreamCallback) *Stream {
	if o.Class() != ClassWebSocket {
		callback(nil, ErrNotWebSocketClass)
		return nil
	}

	target := o.client.WebSocketPath() + "1.0/operations/" + o.ID() + "/websocket?secret=" + secret

	ctx, cancel := context.WithCancel(context.Background())
	stream := newStream(target, cancel, callback)
	go o.dial(ctx, o.client.dialer(), stream)

	return stream
}

func (o *Operation) dial(ctx context.Context, dialer Dialer, stream *Stream) {
	logger := o.client.Logger.With(zap.String("operation_id", o.ID()))

	conn, resp, err := dialer.DialContext(ctx, stream.URL(), nil)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			err = readUpgradeError(resp)
		}
		logger.Debug("Operation websocket failed", zap.Error(err))
		stream.settle(nil, err)
		return
	}

	logger.Debug("Operation websocket opened")
	stream.settle(conn, nil)
}

func readUpgradeError(resp *http.Response) error {
	upgradeErr := &UpgradeError{StatusCode: resp.StatusCode}
	if resp.Body == nil {
		return upgradeErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil && len(body) == 0 {
		return err
	}
	upgradeErr.Body = string(body)
	return upgradeErr
}
