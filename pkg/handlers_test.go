package lxdops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, tracker *OperationTracker) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()
	srv := httptest.NewServer(NewRouter(NewHTTPHandler(tracker, logger), NewWebSocketHandler(tracker, logger)))
	t.Cleanup(srv.Close)
	return srv
}

func dialTest(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
}

func TestHTTPHandlerLifecycle(t *testing.T) {
	tracker, _ := newTestTracker(t, "wss://host/")
	srv := newTestServer(t, tracker)
	id := uuid.NewString()

	event := `{"type": "operation", "timestamp": "2024-05-01T10:00:00Z",
		"metadata": {"id": "` + id + `", "class": "task", "status": "Running", "status_code": 103}}`
	resp, err := http.Post(srv.URL+"/1.0/events", "application/json", strings.NewReader(event))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/1.0/operations/" + id)
	require.NoError(t, err)
	var md Metadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&md))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, md.ID)
	assert.Equal(t, Running, md.StatusCode)

	resp, err = http.Get(srv.URL + "/1.0/operations")
	require.NoError(t, err)
	var list []Metadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/1.0/operations/"+id, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/1.0/operations/" + id)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPHandlerBadRequests(t *testing.T) {
	tracker, _ := newTestTracker(t, "wss://host/")
	srv := newTestServer(t, tracker)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid id", http.MethodGet, "/1.0/operations/not-a-uuid", "", http.StatusBadRequest},
		{"malformed event", http.MethodPost, "/1.0/events", "{", http.StatusBadRequest},
		{"non operation event", http.MethodPost, "/1.0/events", `{"type": "logging", "metadata": {}}`, http.StatusBadRequest},
		{"unknown delete", http.MethodDelete, "/1.0/operations/" + uuid.NewString(), "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestWatchOperation(t *testing.T) {
	tracker, _ := newTestTracker(t, "wss://host/")
	srv := newTestServer(t, tracker)
	ctx := context.Background()
	id := uuid.NewString()

	_, err := tracker.Track(ctx, operationResponse(id, ClassTask, Running))
	require.NoError(t, err)

	conn, _, err := dialTest(t, srv, "/1.0/operations/"+id+"/watch")
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var md Metadata
	require.NoError(t, conn.ReadJSON(&md))
	assert.Equal(t, Running, md.StatusCode)

	_, err = tracker.Track(ctx, operationResponse(id, ClassTask, Success))
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&md))
	assert.Equal(t, id, md.ID)
	assert.Equal(t, Success, md.StatusCode)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWatchOperationInvalidID(t *testing.T) {
	tracker, _ := newTestTracker(t, "wss://host/")
	srv := newTestServer(t, tracker)

	_, resp, err := dialTest(t, srv, "/1.0/operations/nope/watch")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// newUpstream serves an operation websocket that echoes frames in upper case.
func newUpstream(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("secret") != secret {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte("bad secret"))
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(msgType, []byte(strings.ToUpper(string(data))))
		}
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func TestAttachOperationRelays(t *testing.T) {
	upstream := newUpstream(t, "s3cr3t")
	tracker, _ := newTestTracker(t, wsPathOf(upstream))
	srv := newTestServer(t, tracker)
	id := uuid.NewString()

	_, err := tracker.Track(context.Background(), operationResponse(id, ClassWebSocket, Running))
	require.NoError(t, err)

	conn, _, err := dialTest(t, srv, "/1.0/operations/"+id+"/attach?secret=s3cr3t")
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))
}

func TestAttachOperationUpstreamRejects(t *testing.T) {
	upstream := newUpstream(t, "s3cr3t")
	tracker, _ := newTestTracker(t, wsPathOf(upstream))
	srv := newTestServer(t, tracker)
	id := uuid.NewString()

	_, err := tracker.Track(context.Background(), operationResponse(id, ClassWebSocket, Running))
	require.NoError(t, err)

	conn, _, err := dialTest(t, srv, "/1.0/operations/"+id+"/attach?secret=wrong")
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
	assert.Equal(t, "bad secret", ce.Text)
}

func TestAttachOperationRefusedBeforeUpgrade(t *testing.T) {
	tracker, _ := newTestTracker(t, "wss://host/")
	srv := newTestServer(t, tracker)
	id := uuid.NewString()

	_, err := tracker.Track(context.Background(), operationResponse(id, ClassTask, Running))
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing secret", "/1.0/operations/" + id + "/attach", http.StatusBadRequest},
		{"task class", "/1.0/operations/" + id + "/attach?secret=s3cr3t", http.StatusBadRequest},
		{"unknown operation", "/1.0/operations/" + uuid.NewString() + "/attach?secret=s3cr3t", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := dialTest(t, srv, tt.path)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
