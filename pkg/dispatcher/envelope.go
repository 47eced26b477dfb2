// Package dispatcher routes incoming COMMS requests to the query surface
// (delegate registry) and the command surface (controller).
package dispatcher

import "encoding/json"

// Request is the JSON envelope for incoming COMMS requests.
type Request struct {
	ID     string             `json:"id"`
	Type   string             `json:"type,omitempty"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// Response is the JSON envelope for COMMS responses.
type Response struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	TenantID      string `json:"tenantId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	DeadlineMs    int    `json:"deadlineMs,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// Error codes beyond the registry's own.
const (
	CodeMethodNotFound = "METHOD_NOT_FOUND"
	CodeUnavailable    = "UNAVAILABLE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeInvalidRequest = "INVALID_REQUEST"
)

// RemoteInstantiateParams holds parameters for remoteInstantiate.
type RemoteInstantiateParams struct {
	ChannelID string          `json:"channelId"`
	InstMsg   json.RawMessage `json:"instMsg"`
	CodeID    uint64          `json:"codeId"`
	JobID     *string         `json:"jobId,omitempty"`
}

// RemoteMigrateParams holds parameters for remoteMigrate.
type RemoteMigrateParams struct {
	ChannelID  string          `json:"channelId"`
	MigrateMsg json.RawMessage `json:"migrateMsg"`
	NewCodeID  uint64          `json:"newCodeId"`
	JobID      *string         `json:"jobId,omitempty"`
}

// RemoteDispatchParams holds parameters for remoteDispatch.
type RemoteDispatchParams struct {
	ChannelID   string          `json:"channelId"`
	DispatchMsg json.RawMessage `json:"dispatchMsg"`
	JobID       *string         `json:"jobId,omitempty"`
}

// ChannelParams names a local channel.
type ChannelParams struct {
	ChannelID string `json:"channelId"`
}

// OpenChannelParams holds parameters for openChannel.
type OpenChannelParams struct {
	ConnectionID string `json:"connectionId"`
}

// PacketOutcomeParams holds parameters for getPacketOutcome.
type PacketOutcomeParams struct {
	ChannelID string `json:"channelId"`
	Sequence  uint64 `json:"sequence"`
}
