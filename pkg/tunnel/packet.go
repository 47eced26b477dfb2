package tunnel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPacket is returned when packet data is not exactly one known variant.
var ErrMalformedPacket = errors.New("malformed packet")

// PacketMsg is the message sent over the channel. It is a closed set:
// InstantiateMsg, MigrateMsg, DispatchMsg and WhoAmIMsg.
type PacketMsg interface {
	// Kind returns the wire tag of the variant.
	Kind() string
	// Principal returns the caller-supplied (untrusted) name of the requester.
	Principal() string
	isPacketMsg()
}

// Wire tags.
const (
	KindInstantiate = "instantiate"
	KindMigrate     = "migrate"
	KindDispatch    = "dispatch"
	KindWhoAmI      = "who_am_i"
)

// InstantiateMsg asks the executor to create a delegate running CodeID.
type InstantiateMsg struct {
	Controller string          `json:"controller"`
	InstMsg    json.RawMessage `json:"inst_msg"`
	CodeID     uint64          `json:"code_id"`
	JobID      *string         `json:"job_id,omitempty"`
}

// MigrateMsg asks the executor to move the caller's delegate to NewCodeID.
type MigrateMsg struct {
	Controller   string          `json:"controller"`
	MigrationMsg json.RawMessage `json:"migration_msg"`
	NewCodeID    uint64          `json:"new_code_id"`
	JobID        *string         `json:"job_id,omitempty"`
}

// DispatchMsg asks the executor to run Msg on the caller's delegate.
type DispatchMsg struct {
	Controller string          `json:"controller"`
	Msg        json.RawMessage `json:"msg"`
	JobID      *string         `json:"job_id,omitempty"`
}

// WhoAmIMsg asks for the caller's delegate address.
type WhoAmIMsg struct {
	Controller string `json:"controller"`
}

func (InstantiateMsg) Kind() string { return KindInstantiate }
func (MigrateMsg) Kind() string     { return KindMigrate }
func (DispatchMsg) Kind() string    { return KindDispatch }
func (WhoAmIMsg) Kind() string      { return KindWhoAmI }

func (m InstantiateMsg) Principal() string { return m.Controller }
func (m MigrateMsg) Principal() string     { return m.Controller }
func (m DispatchMsg) Principal() string    { return m.Controller }
func (m WhoAmIMsg) Principal() string      { return m.Controller }

func (InstantiateMsg) isPacketMsg() {}
func (MigrateMsg) isPacketMsg()     {}
func (DispatchMsg) isPacketMsg()    {}
func (WhoAmIMsg) isPacketMsg()      {}

// packetWire is the externally tagged JSON form used for encoding: {"<kind>": {...}}.
type packetWire struct {
	Instantiate *InstantiateMsg `json:"instantiate,omitempty"`
	Migrate     *MigrateMsg     `json:"migrate,omitempty"`
	Dispatch    *DispatchMsg    `json:"dispatch,omitempty"`
	WhoAmI      *WhoAmIMsg      `json:"who_am_i,omitempty"`
}

// Visitor handles each packet variant. Adding a variant adds a method here,
// so every implementation must be updated before it compiles again.
type Visitor[R any] interface {
	VisitInstantiate(msg InstantiateMsg) (R, error)
	VisitMigrate(msg MigrateMsg) (R, error)
	VisitDispatch(msg DispatchMsg) (R, error)
	VisitWhoAmI(msg WhoAmIMsg) (R, error)
}

// Visit routes msg to the matching Visitor method.
func Visit[R any](msg PacketMsg, v Visitor[R]) (R, error) {
	switch m := msg.(type) {
	case InstantiateMsg:
		return v.VisitInstantiate(m)
	case *InstantiateMsg:
		return v.VisitInstantiate(*m)
	case MigrateMsg:
		return v.VisitMigrate(m)
	case *MigrateMsg:
		return v.VisitMigrate(*m)
	case DispatchMsg:
		return v.VisitDispatch(m)
	case *DispatchMsg:
		return v.VisitDispatch(*m)
	case WhoAmIMsg:
		return v.VisitWhoAmI(m)
	case *WhoAmIMsg:
		return v.VisitWhoAmI(*m)
	}
	var zero R
	return zero, fmt.Errorf("%w: unknown variant %T", ErrMalformedPacket, msg)
}

// EncodePacket serializes msg in its tagged wire form.
func EncodePacket(msg PacketMsg) ([]byte, error) {
	var w packetWire
	switch m := msg.(type) {
	case InstantiateMsg:
		w.Instantiate = &m
	case *InstantiateMsg:
		w.Instantiate = m
	case MigrateMsg:
		w.Migrate = &m
	case *MigrateMsg:
		w.Migrate = m
	case DispatchMsg:
		w.Dispatch = &m
	case *DispatchMsg:
		w.Dispatch = m
	case WhoAmIMsg:
		w.WhoAmI = &m
	case *WhoAmIMsg:
		w.WhoAmI = m
	default:
		return nil, fmt.Errorf("%w: unknown variant %T", ErrMalformedPacket, msg)
	}
	return json.Marshal(w)
}

// DecodePacket parses packet data. The data must hold exactly one known
// variant and every required field of that variant.
func DecodePacket(data []byte) (PacketMsg, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	switch len(tagged) {
	case 0:
		return nil, fmt.Errorf("%w: no known variant", ErrMalformedPacket)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d keys present, want one variant", ErrMalformedPacket, len(tagged))
	}

	for kind, body := range tagged {
		return decodeVariant(kind, body)
	}
	return nil, fmt.Errorf("%w: no known variant", ErrMalformedPacket)
}

// Variant bodies as read off the wire. Code ids are pointers so a missing
// id is distinguishable from code 0.
type (
	instantiateWire struct {
		Controller string          `json:"controller"`
		InstMsg    json.RawMessage `json:"inst_msg"`
		CodeID     *uint64         `json:"code_id"`
		JobID      *string         `json:"job_id"`
	}
	migrateWire struct {
		Controller   string          `json:"controller"`
		MigrationMsg json.RawMessage `json:"migration_msg"`
		NewCodeID    *uint64         `json:"new_code_id"`
		JobID        *string         `json:"job_id"`
	}
)

func decodeVariant(kind string, body json.RawMessage) (PacketMsg, error) {
	switch kind {
	case KindInstantiate:
		var w instantiateWire
		if err := decodeBody(kind, body, &w); err != nil {
			return nil, err
		}
		if err := requireFields(kind, w.Controller, "inst_msg", w.InstMsg); err != nil {
			return nil, err
		}
		if w.CodeID == nil {
			return nil, missingField(kind, "code_id")
		}
		return InstantiateMsg{Controller: w.Controller, InstMsg: w.InstMsg, CodeID: *w.CodeID, JobID: w.JobID}, nil

	case KindMigrate:
		var w migrateWire
		if err := decodeBody(kind, body, &w); err != nil {
			return nil, err
		}
		if err := requireFields(kind, w.Controller, "migration_msg", w.MigrationMsg); err != nil {
			return nil, err
		}
		if w.NewCodeID == nil {
			return nil, missingField(kind, "new_code_id")
		}
		return MigrateMsg{Controller: w.Controller, MigrationMsg: w.MigrationMsg, NewCodeID: *w.NewCodeID, JobID: w.JobID}, nil

	case KindDispatch:
		var m DispatchMsg
		if err := decodeBody(kind, body, &m); err != nil {
			return nil, err
		}
		if err := requireFields(kind, m.Controller, "msg", m.Msg); err != nil {
			return nil, err
		}
		return m, nil

	case KindWhoAmI:
		var m WhoAmIMsg
		if err := decodeBody(kind, body, &m); err != nil {
			return nil, err
		}
		if m.Controller == "" {
			return nil, missingField(kind, "controller")
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: unknown variant %q", ErrMalformedPacket, kind)
}

func decodeBody(kind string, body json.RawMessage, v interface{}) error {
	if absent(body) {
		return fmt.Errorf("%w: %s has no body", ErrMalformedPacket, kind)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPacket, kind, err)
	}
	return nil
}

func requireFields(kind, controller, msgField string, msg json.RawMessage) error {
	if controller == "" {
		return missingField(kind, "controller")
	}
	if absent(msg) {
		return missingField(kind, msgField)
	}
	return nil
}

func missingField(kind, field string) error {
	return fmt.Errorf("%w: %s missing %s", ErrMalformedPacket, kind, field)
}

// absent reports whether a raw field was omitted or sent as null.
func absent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
