// Package events defines the tunnel's observability events and the
// publishers that deliver them.
package events

import (
	"time"

	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

// Event types.
const (
	TypeTunnelInstantiated     = "ica-tunnel.V1.MsgInstantiated"
	TypeDelegateInstantiated   = "ica-tunnel.V1.MsgICAInstantiated"
	TypeInstantiationRequested = "ica-tunnel.V1.HostMsg.InstantiationRequested"
	TypeMigrationRequested     = "ica-tunnel.V1.HostMsg.MigrationRequested"
	TypeDispatchRequested      = "ica-tunnel.V1.HostMsg.DispatchRequested"
	TypeRemoteAddrRequested    = "ica-tunnel.V1.HostMsg.RemoteAddrRequested"
	TypePacketAcknowledged     = "ica-tunnel.V1.HostMsg.PacketAcknowledged"
	TypePacketTimedOut         = "ica-tunnel.V1.HostMsg.PacketTimedOut"
	TypeChannel                = "ibc"
)

// TunnelEvent is a published observability record.
type TunnelEvent struct {
	Type       string             `json:"type"`
	Attributes []tunnel.Attribute `json:"attributes"`
	Timestamp  string             `json:"timestamp"`
}

// FromEvent stamps ev with the current time.
func FromEvent(ev tunnel.Event) *TunnelEvent {
	attrs := ev.Attributes
	if attrs == nil {
		attrs = []tunnel.Attribute{}
	}
	return &TunnelEvent{
		Type:       ev.Type,
		Attributes: attrs,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

// Attr returns the value of the first attribute named key.
func (e *TunnelEvent) Attr(key string) (string, bool) {
	return tunnel.Event{Type: e.Type, Attributes: e.Attributes}.Attr(key)
}
