package commsutil

import "strings"

// Default COMMS subjects.
const (
	// SubjectChannel carries channel open/close handshakes.
	SubjectChannel = "tunnel.channel.v1"
	// SubjectQuery serves read-only registry queries.
	SubjectQuery = "tunnel.query.v1"
	// SubjectController serves controller commands.
	SubjectController = "tunnel.controller.v1"
	// SubjectEvents is the global observability subject; every event is also
	// published under SubjectEvents.<type>.
	SubjectEvents = "tunnel.events"

	packetSubjectPrefix = "tunnel.packets."
)

// BuildPacketSubject returns the subject packets addressed to the given
// destination channel are sent on. The reply to each request is the packet's
// acknowledgement.
func BuildPacketSubject(channelID string) string {
	return packetSubjectPrefix + channelID
}

// PacketSubjectWildcard matches packets for every channel.
func PacketSubjectWildcard() string {
	return packetSubjectPrefix + "*"
}

// ChannelFromPacketSubject extracts the destination channel id from a packet subject.
func ChannelFromPacketSubject(subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, packetSubjectPrefix)
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// BuildEventSubject builds the granular subject for an event type.
func BuildEventSubject(eventType string) string {
	return SubjectEvents + "." + eventType
}
