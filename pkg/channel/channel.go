// Package channel models the channel table shared by both ends of a tunnel:
// endpoints, ordering modes, packets, and the keeper that resolves a local
// endpoint to the connection it was opened over.
package channel

import (
	"context"
	"time"
)

// Order is the delivery ordering negotiated for a channel.
type Order string

const (
	OrderUnordered Order = "ORDER_UNORDERED"
	OrderOrdered   Order = "ORDER_ORDERED"
)

// State is the lifecycle state of a channel end.
type State string

const (
	StateInit   State = "INIT"
	StateOpen   State = "OPEN"
	StateClosed State = "CLOSED"
)

// Endpoint identifies one end of a channel.
type Endpoint struct {
	PortID    string `json:"port_id"`
	ChannelID string `json:"channel_id"`
}

// Channel is a channel end as recorded by the local side.
type Channel struct {
	Endpoint             Endpoint `json:"endpoint"`
	CounterpartyEndpoint Endpoint `json:"counterparty_endpoint"`
	Order                Order    `json:"order"`
	Version              string   `json:"version"`
	// ConnectionID names the connection (light client) the channel runs over.
	ConnectionID string `json:"connection_id"`
	State        State  `json:"state"`
}

// Packet is a single message travelling over a channel.
type Packet struct {
	Sequence         uint64    `json:"sequence"`
	Src              Endpoint  `json:"src"`
	Dest             Endpoint  `json:"dest"`
	Data             []byte    `json:"data"`
	TimeoutTimestamp time.Time `json:"timeout_timestamp"`
}

// Expired reports whether the packet's absolute timeout has passed at now.
func (p *Packet) Expired(now time.Time) bool {
	return !p.TimeoutTimestamp.IsZero() && !now.Before(p.TimeoutTimestamp)
}

// Querier resolves a local endpoint to its channel.
type Querier interface {
	QueryChannel(ctx context.Context, portID, channelID string) (*Channel, error)
}
