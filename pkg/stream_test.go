package lxdops

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSettlesOnce(t *testing.T) {
	cancelled := 0
	callback, results, count := collect()
	stream := newStream("ws://host/", func() { cancelled++ }, callback)

	first := errors.New("first")
	stream.settle(nil, first)
	stream.settle(nil, errors.New("second"))
	stream.settle(nil, nil)

	assert.Equal(t, int32(1), count.Load())
	res := <-results
	assert.Equal(t, first, res.err)
	assert.Nil(t, res.stream)
	assert.Equal(t, first, stream.Err())
	assert.Equal(t, 1, cancelled)
}

func TestStreamCloseBeforeSettle(t *testing.T) {
	callback, results, count := collect()
	stream := newStream("ws://host/", func() {}, callback)

	require.NoError(t, stream.Close())
	stream.settle(nil, errors.New("late"))

	assert.Equal(t, int32(1), count.Load())
	res := <-results
	assert.ErrorIs(t, res.err, ErrStreamClosed)

	assert.ErrorIs(t, stream.WriteMessage(websocket.TextMessage, []byte("x")), ErrStreamClosed)
	_, _, err := stream.ReadMessage()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamPendingHandle(t *testing.T) {
	callback, _, count := collect()
	stream := newStream("ws://host/1.0/operations/abc/websocket?secret=x", func() {}, callback)

	assert.Equal(t, "ws://host/1.0/operations/abc/websocket?secret=x", stream.URL())
	assert.Nil(t, stream.Conn())
	assert.NoError(t, stream.Err())
	assert.Zero(t, count.Load())

	select {
	case <-stream.Done():
		t.Fatal("Done must stay open while connecting")
	default:
	}
}

func TestStreamReadWaitsForSettle(t *testing.T) {
	callback, _, _ := collect()
	stream := newStream("ws://host/", func() {}, callback)

	read := make(chan error, 1)
	go func() {
		_, _, err := stream.ReadMessage()
		read <- err
	}()

	select {
	case err := <-read:
		t.Fatalf("ReadMessage returned before the stream settled: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	failed := errors.New("connection refused")
	stream.settle(nil, failed)

	select {
	case err := <-read:
		assert.Equal(t, failed, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ReadMessage did not return after the stream settled")
	}
}
