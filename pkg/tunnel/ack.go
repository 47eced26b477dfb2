package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedAck is returned when ack bytes are neither a result nor an error.
var ErrMalformedAck = errors.New("malformed acknowledgement")

// StdAck is the generic acknowledgement format: exactly one of Result or Error.
// Result carries the JSON-encoded success payload.
// On the wire a success is {"result":"<base64>"}, including an empty
// result, and a failure is {"error":"<msg>"}.
type StdAck struct {
	Result []byte  `json:"result"`
	Error  *string `json:"error"`
}

// ackWire uses pointers so an empty result stays distinguishable from none.
type ackWire struct {
	Result *[]byte `json:"result,omitempty"`
	Error  *string `json:"error,omitempty"`
}

// MarshalJSON writes exactly one of the two variants.
func (a StdAck) MarshalJSON() ([]byte, error) {
	if a.Error != nil {
		return json.Marshal(ackWire{Error: a.Error})
	}
	res := a.Result
	if res == nil {
		res = []byte{}
	}
	return json.Marshal(ackWire{Result: &res})
}

// UnmarshalJSON reads either variant. DecodeAck rejects data holding both or neither.
func (a *StdAck) UnmarshalJSON(data []byte) error {
	var w ackWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	a.Result, a.Error = nil, w.Error
	if w.Result != nil {
		a.Result = *w.Result
		if a.Result == nil {
			a.Result = []byte{}
		}
	}
	return nil
}

// AckSuccess encodes data and wraps it in a successful acknowledgement.
func AckSuccess(data interface{}) ([]byte, error) {
	res, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode ack result: %w", err)
	}
	return json.Marshal(StdAck{Result: res})
}

// AckFail builds a failed acknowledgement carrying msg.
func AckFail(msg string) []byte {
	// A struct holding one string cannot fail to marshal.
	b, _ := json.Marshal(StdAck{Error: &msg})
	return b
}

// DecodeAck parses acknowledgement bytes.
func DecodeAck(data []byte) (*StdAck, error) {
	var ack StdAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAck, err)
	}
	if (ack.Result == nil) == (ack.Error == nil) {
		return nil, fmt.Errorf("%w: expected exactly one of result or error", ErrMalformedAck)
	}
	return &ack, nil
}

// IsSuccess reports whether the acknowledgement is a result.
func (a *StdAck) IsSuccess() bool {
	return a.Error == nil
}

// ErrorMessage returns the failure message, or "" for a success.
func (a *StdAck) ErrorMessage() string {
	if a.Error == nil {
		return ""
	}
	return *a.Error
}

// Into decodes the success payload into v.
func (a *StdAck) Into(v interface{}) error {
	if a.Error != nil {
		return fmt.Errorf("acknowledgement is an error: %s", *a.Error)
	}
	return json.Unmarshal(a.Result, v)
}
