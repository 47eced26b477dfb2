package tunnel

import "encoding/json"

// InstantiateResponse is the success payload for InstantiateMsg.
type InstantiateResponse struct {
	DelegateAddress string  `json:"contract_address"`
	JobID           *string `json:"job_id,omitempty"`
}

// DispatchMigrateResponse is the success payload for MigrateMsg and
// DispatchMsg. Result carries the delegate's own outcome, which may be a
// failure even though the acknowledgement itself succeeded.
type DispatchMigrateResponse struct {
	Result SubOpResult `json:"result"`
	JobID  *string     `json:"job_id,omitempty"`
}

// WhoAmIResponse is the success payload for WhoAmIMsg.
type WhoAmIResponse struct {
	DelegateAddress string `json:"account"`
}

// SubOpResult is the outcome of a sub-operation: exactly one of Ok or Err.
type SubOpResult struct {
	Ok  *SubOpResponse `json:"ok,omitempty"`
	Err *string        `json:"error,omitempty"`
}

// SubOpResponse is a successful sub-operation outcome.
type SubOpResponse struct {
	Events []Event          `json:"events"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Event is an observability record emitted by an operation.
type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
}

// Attribute is a key/value pair on an Event or response.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NewEvent creates an Event with the given type and alternating key/value pairs.
func NewEvent(typ string, kv ...string) Event {
	ev := Event{Type: typ, Attributes: []Attribute{}}
	for i := 0; i+1 < len(kv); i += 2 {
		ev.Attributes = append(ev.Attributes, Attribute{Key: kv[i], Value: kv[i+1]})
	}
	return ev
}

// Attr returns the value of the first attribute named key.
func (e Event) Attr(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// SubOpOk builds a successful SubOpResult.
func SubOpOk(data json.RawMessage, events ...Event) SubOpResult {
	if events == nil {
		events = []Event{}
	}
	return SubOpResult{Ok: &SubOpResponse{Events: events, Data: data}}
}

// SubOpErr builds a failed SubOpResult.
func SubOpErr(msg string) SubOpResult {
	return SubOpResult{Err: &msg}
}

// IsOk reports whether the sub-operation succeeded.
func (r SubOpResult) IsOk() bool {
	return r.Ok != nil
}

// FormatJobID renders an optional job id as an event attribute value.
func FormatJobID(jobID *string) string {
	if jobID == nil {
		return ""
	}
	return *jobID
}
