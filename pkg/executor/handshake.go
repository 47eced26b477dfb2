package executor

import (
	"github.com/morezero/delegate-tunnel/pkg/channel"
	"github.com/morezero/delegate-tunnel/pkg/events"
	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

// OnChannelOpen validates a proposed channel. The channel's own version is
// not checked, only the counterparty's when it advertises one. The returned
// version is the one this end requires.
func (e *Executor) OnChannelOpen(ch channel.Channel, counterpartyVersion string) (string, error) {
	if err := tunnel.CheckOrder(ch.Order); err != nil {
		return "", err
	}
	if counterpartyVersion != "" {
		if err := tunnel.CheckVersion(counterpartyVersion); err != nil {
			return "", err
		}
	}
	return tunnel.AppVersion, nil
}

// OnChannelConnect records nothing; channels can be closed by anyone, so
// identity is always resolved per packet.
func (e *Executor) OnChannelConnect(ch channel.Channel) BasicResponse {
	return channelResponse("ibc channel connect", "connect", ch)
}

// OnChannelClose records nothing.
func (e *Executor) OnChannelClose(ch channel.Channel) BasicResponse {
	return channelResponse("ibc channel close", "close", ch)
}

// OnTimeout is called instead of delivery when a packet expired. Nothing is
// cleaned up: a pending request only exists between Receive and Complete of
// the same unit of work.
func (e *Executor) OnTimeout(packet channel.Packet) BasicResponse {
	return BasicResponse{Attributes: []tunnel.Attribute{
		{Key: "action", Value: "ibc_packet_timeout"},
		{Key: "current channel", Value: packet.Dest.ChannelID},
	}}
}

func channelResponse(action, state string, ch channel.Channel) BasicResponse {
	return BasicResponse{
		Attributes: []tunnel.Attribute{
			{Key: "action", Value: action},
			{Key: "counterparty client id", Value: ch.ConnectionID},
			{Key: "counterparty port", Value: ch.CounterpartyEndpoint.PortID},
			{Key: "current channel", Value: ch.Endpoint.ChannelID},
		},
		Events: []tunnel.Event{tunnel.NewEvent(events.TypeChannel, "channel", state)},
	}
}
