package lxdops

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrStreamClosed = errors.New("stream closed before the connection opened")

// StreamCallback receives the outcome of Operation.WebSocket. It is called
// exactly once: with the open stream and a nil error, or with a nil stream
// and the failure.
type StreamCallback func(stream *Stream, err error)

// Stream is the handle returned by Operation.WebSocket. It exists before the
// connection does; Conn is nil until the handshake has succeeded.
type Stream struct {
	url      string
	cancel   context.CancelFunc
	callback StreamCallback

	once sync.Once
	done chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	err    error
	closed bool

	// gorilla/websocket does not support concurrent writers.
	wmu sync.Mutex
}

func newStream(url string, cancel context.CancelFunc, callback StreamCallback) *Stream {
	return &Stream{
		url:      url,
		cancel:   cancel,
		callback: callback,
		done:     make(chan struct{}),
	}
}

// URL is the connection target, secret included.
func (s *Stream) URL() string {
	return s.url
}

// Done is closed once the connection attempt has either opened or failed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) Conn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// opened waits until the connection attempt has settled and returns the open
// connection, or the error the attempt failed with.
func (s *Stream) opened() (*websocket.Conn, error) {
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.conn, nil
}

// ReadMessage blocks until the stream has opened, then reads the next
// message. It returns the dial error if the stream never opened.
func (s *Stream) ReadMessage() (int, []byte, error) {
	conn, err := s.opened()
	if err != nil {
		return 0, nil, err
	}
	return conn.ReadMessage()
}

// WriteMessage blocks until the stream has opened, like ReadMessage.
func (s *Stream) WriteMessage(messageType int, data []byte) error {
	conn, err := s.opened()
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.WriteMessage(messageType, data)
}

// Close aborts a pending connection attempt or closes the open connection.
// Closing a pending stream settles it with ErrStreamClosed, so the callback
// may run before Close returns.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	s.settle(nil, ErrStreamClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// settle records the terminal outcome of the dial and fires the callback.
// Only the first call counts; a connection handed to a later call is closed.
func (s *Stream) settle(conn *websocket.Conn, err error) {
	first := false
	s.once.Do(func() {
		first = true

		s.mu.Lock()
		if s.closed && conn != nil {
			conn.Close()
			conn = nil
			err = ErrStreamClosed
		}
		s.conn = conn
		s.err = err
		s.mu.Unlock()

		close(s.done)
	})

	if !first {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		s.cancel()
		s.callback(nil, err)
		return
	}
	s.callback(s, nil)
}
