package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const keeperLogPrefix = "channel:keeper"

// ErrChannelNotFound is returned when no channel exists for an endpoint.
var ErrChannelNotFound = errors.New("channel not found")

// Keeper is an in-memory channel table. Channel ids are allocated
// sequentially as channel-0, channel-1, ...
type Keeper struct {
	mu       sync.RWMutex
	channels map[Endpoint]*Channel
	next     uint64
}

// NewKeeper creates an empty Keeper.
func NewKeeper() *Keeper {
	return &Keeper{channels: make(map[Endpoint]*Channel)}
}

// OpenParams holds parameters for Open.
type OpenParams struct {
	PortID               string
	CounterpartyEndpoint Endpoint
	Order                Order
	Version              string
	ConnectionID         string
}

// Open allocates a new local channel id on the given port and records the
// channel in INIT state.
func (k *Keeper) Open(params OpenParams) *Channel {
	k.mu.Lock()
	defer k.mu.Unlock()

	id := fmt.Sprintf("channel-%d", k.next)
	k.next++

	ch := &Channel{
		Endpoint:             Endpoint{PortID: params.PortID, ChannelID: id},
		CounterpartyEndpoint: params.CounterpartyEndpoint,
		Order:                params.Order,
		Version:              params.Version,
		ConnectionID:         params.ConnectionID,
		State:                StateInit,
	}
	k.channels[ch.Endpoint] = ch
	slog.Debug(fmt.Sprintf("%s - opened %s/%s over %s", keeperLogPrefix, params.PortID, id, params.ConnectionID))
	return copyChannel(ch)
}

// Confirm moves a channel to OPEN.
func (k *Keeper) Confirm(ep Endpoint) (*Channel, error) {
	return k.setState(ep, StateOpen)
}

// Close moves a channel to CLOSED. Closed channels stay queryable.
func (k *Keeper) Close(ep Endpoint) (*Channel, error) {
	return k.setState(ep, StateClosed)
}

// SetCounterparty records the remote end of a channel once the handshake
// has named it.
func (k *Keeper) SetCounterparty(ep, counterparty Endpoint) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	ch, ok := k.channels[ep]
	if !ok {
		return fmt.Errorf("%s - %s/%s: %w", keeperLogPrefix, ep.PortID, ep.ChannelID, ErrChannelNotFound)
	}
	ch.CounterpartyEndpoint = counterparty
	return nil
}

func (k *Keeper) setState(ep Endpoint, state State) (*Channel, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ch, ok := k.channels[ep]
	if !ok {
		return nil, fmt.Errorf("%s - %s/%s: %w", keeperLogPrefix, ep.PortID, ep.ChannelID, ErrChannelNotFound)
	}
	ch.State = state
	return copyChannel(ch), nil
}

// QueryChannel implements Querier.
func (k *Keeper) QueryChannel(_ context.Context, portID, channelID string) (*Channel, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	ch, ok := k.channels[Endpoint{PortID: portID, ChannelID: channelID}]
	if !ok {
		return nil, fmt.Errorf("%s - %s/%s: %w", keeperLogPrefix, portID, channelID, ErrChannelNotFound)
	}
	return copyChannel(ch), nil
}

// List returns all channels ordered by port then channel id.
func (k *Keeper) List() []Channel {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]Channel, 0, len(k.channels))
	for _, ch := range k.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Endpoint.PortID != out[j].Endpoint.PortID {
			return out[i].Endpoint.PortID < out[j].Endpoint.PortID
		}
		return out[i].Endpoint.ChannelID < out[j].Endpoint.ChannelID
	})
	return out
}

func copyChannel(ch *Channel) *Channel {
	c := *ch
	return &c
}
