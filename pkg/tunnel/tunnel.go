// Package tunnel defines the wire contract shared by controllers and
// executors: packet messages, acknowledgments, response payloads, and the
// channel handshake checks.
package tunnel

import (
	"time"

	"github.com/morezero/delegate-tunnel/pkg/channel"
)

const (
	// AppVersion is the channel application version both ends must agree on.
	AppVersion = "cw-tunnel-v1"
	// AppOrder is the only supported channel ordering.
	AppOrder = channel.OrderUnordered
	// BadAppOrder is rejected at channel open.
	BadAppOrder = channel.OrderOrdered
	// PacketLifetime is the relative timeout applied to every outbound packet.
	PacketLifetime = time.Hour
)
