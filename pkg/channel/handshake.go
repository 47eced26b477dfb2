package channel

// Handshake actions.
const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// HandshakeRequest asks the remote end to open or close a channel.
type HandshakeRequest struct {
	Action string `json:"action"`
	// ConnectionID is the connection the channel runs over, as seen by the
	// remote end.
	ConnectionID string `json:"connection_id,omitempty"`
	// Counterparty is the requesting end of the channel.
	Counterparty Endpoint `json:"counterparty"`
	Order        Order    `json:"order,omitempty"`
	// Version is the requester's advertised application version.
	Version string `json:"version,omitempty"`
	// ChannelID names the remote end's channel when closing.
	ChannelID string `json:"channel_id,omitempty"`
}

// HandshakeResponse is the remote end's answer. Error is set when the
// handshake was rejected.
type HandshakeResponse struct {
	Channel *Channel `json:"channel,omitempty"`
	Version string   `json:"version,omitempty"`
	Error   string   `json:"error,omitempty"`
}
