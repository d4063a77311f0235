// models.go
package lxdops

import (
	"encoding/json"
	"fmt"
	"time"
)

type OperationClass string

const (
	ClassTask      OperationClass = "task"
	ClassWebSocket OperationClass = "websocket"
	ClassToken     OperationClass = "token"
)

// StatusCode is the numeric status reported by the server for an operation.
type StatusCode int

const (
	OperationCreated StatusCode = 100
	Started          StatusCode = 101
	Stopped          StatusCode = 102
	Running          StatusCode = 103
	Cancelling       StatusCode = 104
	Pending          StatusCode = 105
	Starting         StatusCode = 106
	Stopping         StatusCode = 107
	Aborting         StatusCode = 108
	Freezing         StatusCode = 109
	Frozen           StatusCode = 110
	Thawed           StatusCode = 111
	Error            StatusCode = 112
	Ready            StatusCode = 113

	Success StatusCode = 200

	Failure   StatusCode = 400
	Cancelled StatusCode = 401
)

var statusNames = map[StatusCode]string{
	OperationCreated: "Operation created",
	Started:          "Started",
	Stopped:          "Stopped",
	Running:          "Running",
	Cancelling:       "Cancelling",
	Pending:          "Pending",
	Starting:         "Starting",
	Stopping:         "Stopping",
	Aborting:         "Aborting",
	Freezing:         "Freezing",
	Frozen:           "Frozen",
	Thawed:           "Thawed",
	Error:            "Error",
	Ready:            "Ready",
	Success:          "Success",
	Failure:          "Failure",
	Cancelled:        "Cancelled",
}

func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(c))
}

// IsFinal reports whether the status code is terminal for an operation.
func (c StatusCode) IsFinal() bool {
	return c == Success || c == Failure || c == Cancelled
}

// Metadata is one snapshot of an operation as reported by the server.
// Keys without a typed field, and known keys whose value is null or has an
// unexpected type, are kept verbatim in Extra.
type Metadata struct {
	ID          string
	Class       OperationClass
	Description string
	Status      string
	StatusCode  StatusCode
	Err         string
	MayCancel   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Location    string

	Extra map[string]json.RawMessage

	// present holds the typed keys the server sent, so that explicit zero
	// values survive a round trip.
	present map[string]struct{}
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := Metadata{
		Extra:   make(map[string]json.RawMessage),
		present: make(map[string]struct{}),
	}
	for key, value := range raw {
		var target any
		switch key {
		case "id":
			target = &out.ID
		case "class":
			target = &out.Class
		case "description":
			target = &out.Description
		case "status":
			target = &out.Status
		case "status_code":
			target = &out.StatusCode
		case "err":
			target = &out.Err
		case "may_cancel":
			target = &out.MayCancel
		case "created_at":
			target = &out.CreatedAt
		case "updated_at":
			target = &out.UpdatedAt
		case "location":
			target = &out.Location
		}

		if target != nil && string(value) != "null" && json.Unmarshal(value, target) == nil {
			out.present[key] = struct{}{}
			continue
		}
		out.Extra[key] = value
	}

	*m = out
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+10)
	for key, value := range m.Extra {
		out[key] = value
	}

	put := func(key string, value any, zero bool) {
		if _, sent := m.present[key]; sent || !zero {
			out[key] = value
		}
	}
	put("id", m.ID, m.ID == "")
	put("class", m.Class, m.Class == "")
	put("description", m.Description, m.Description == "")
	put("status", m.Status, m.Status == "")
	put("status_code", m.StatusCode, m.StatusCode == 0)
	put("err", m.Err, m.Err == "")
	put("may_cancel", m.MayCancel, !m.MayCancel)
	put("created_at", m.CreatedAt, m.CreatedAt.IsZero())
	put("updated_at", m.UpdatedAt, m.UpdatedAt.IsZero())
	put("location", m.Location, m.Location == "")

	return json.Marshal(out)
}

// Secrets returns the websocket secrets of the operation, keyed by file
// descriptor name ("0", "control", ...). Empty when the server sent none.
func (m Metadata) Secrets() map[string]string {
	secrets := make(map[string]string)

	raw, ok := m.Extra["metadata"]
	if !ok {
		return secrets
	}

	var inner struct {
		FDs map[string]string `json:"fds"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return secrets
	}

	for fd, secret := range inner.FDs {
		secrets[fd] = secret
	}
	return secrets
}

type ResponseType string

const (
	SyncResponse  ResponseType = "sync"
	AsyncResponse ResponseType = "async"
	ErrorResponse ResponseType = "error"
)

// Response is the envelope the server wraps operation metadata in.
type Response struct {
	Type       ResponseType `json:"type"`
	Status     string       `json:"status"`
	StatusCode int          `json:"status_code"`
	Operation  string       `json:"operation,omitempty"`
	ErrorCode  int          `json:"error_code,omitempty"`
	Error      string       `json:"error,omitempty"`
	Metadata   Metadata     `json:"metadata"`
}

const EventTypeOperation = "operation"

type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Location  string          `json:"location,omitempty"`
	Metadata  json.RawMessage `json:"metadata"`
}
