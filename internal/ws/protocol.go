// Package ws implements the WebSocket push surface: one JSON text frame per
// message, client-initiated subscriptions, server-pushed data.
package ws

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/forgelabs/forge/internal/domain"
)

// Client message types.
const (
	MsgSubscribe           = "subscribe"
	MsgUnsubscribe         = "unsubscribe"
	MsgSubscribeJob        = "subscribe_job"
	MsgUnsubscribeJob      = "unsubscribe_job"
	MsgSubscribeWorkflow   = "subscribe_workflow"
	MsgUnsubscribeWorkflow = "unsubscribe_workflow"
	MsgPing                = "ping"
	MsgAuth                = "auth"
)

// Server message types.
const (
	MsgConnected      = "connected"
	MsgPong           = "pong"
	MsgData           = "data"
	MsgJobUpdate      = "job_update"
	MsgWorkflowUpdate = "workflow_update"
	MsgSubscribed     = "subscribed"
	MsgUnsubscribed   = "unsubscribed"
	MsgError          = "error"
)

// ClientMessage is any inbound frame. Fields beyond Type are populated per
// message type.
type ClientMessage struct {
	Type string `json:"type"`

	// ID is the client-chosen subscription handle, echoed on every frame
	// that concerns the subscription.
	ID string `json:"id,omitempty"`

	Function string          `json:"function,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`

	JobID         string `json:"job_id,omitempty"`
	WorkflowRunID string `json:"workflow_run_id,omitempty"`

	Token string `json:"token,omitempty"`
}

// ServerMessage is any outbound frame.
type ServerMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`

	// Error frames carry the kind as a short machine code plus a message.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func errorMessage(id string, err error) ServerMessage {
	return ServerMessage{
		Type:    MsgError,
		ID:      id,
		Code:    string(domain.KindOf(err)),
		Message: err.Error(),
	}
}

// NormalizeArgs canonicalizes subscription arguments: absent, null, and {}
// all mean "no arguments", so identical queries fingerprint identically.
func NormalizeArgs(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 ||
		bytes.Equal(trimmed, []byte("null")) ||
		bytes.Equal(trimmed, []byte("{}")) {
		return nil
	}
	return trimmed
}

// ValidateClientSubID checks the client-chosen subscription handle.
func ValidateClientSubID(id string) error {
	if id == "" {
		return domain.NewError(domain.KindValidation, "subscription id is required")
	}
	if len(id) > 255 {
		return domain.NewError(domain.KindValidation, "subscription id exceeds 255 characters")
	}
	return nil
}

// ValidateUUID rejects malformed entity IDs before they reach SQL.
func ValidateUUID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.NewError(domain.KindValidation, "invalid id %q", id)
	}
	return nil
}
