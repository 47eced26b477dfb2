package tunnel

import (
	"fmt"

	"github.com/morezero/delegate-tunnel/pkg/channel"
)

// ChannelError is a handshake rejection caused by an unsupported order or version.
type ChannelError struct {
	Kind   string
	Actual string
}

const (
	ChannelErrorInvalidOrder   = "invalid_order"
	ChannelErrorInvalidVersion = "invalid_version"
)

func (e *ChannelError) Error() string {
	switch e.Kind {
	case ChannelErrorInvalidOrder:
		return fmt.Sprintf("Only supports unordered channels, got %s", e.Actual)
	case ChannelErrorInvalidVersion:
		return fmt.Sprintf("Counterparty version must be '%s', got '%s'", AppVersion, e.Actual)
	default:
		return "channel error: " + e.Actual
	}
}

// CheckOrder rejects any ordering other than AppOrder.
func CheckOrder(order channel.Order) error {
	if order != AppOrder {
		return &ChannelError{Kind: ChannelErrorInvalidOrder, Actual: string(order)}
	}
	return nil
}

// CheckVersion rejects any version other than AppVersion.
func CheckVersion(version string) error {
	if version != AppVersion {
		return &ChannelError{Kind: ChannelErrorInvalidVersion, Actual: version}
	}
	return nil
}
