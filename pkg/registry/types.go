// Package registry maps a (connection, port, principal) triple to the
// delegate created for it. Entries are created once and never changed.
package registry

// Key identifies a delegate: the channel identity a request arrived over plus
// the principal named inside it.
type Key struct {
	ConnectionID string `json:"connectionId"`
	PortID       string `json:"portId"`
	Principal    string `json:"principal"`
}

// Less orders keys lexicographically over (connection, port, principal).
func (k Key) Less(o Key) bool {
	if k.ConnectionID != o.ConnectionID {
		return k.ConnectionID < o.ConnectionID
	}
	if k.PortID != o.PortID {
		return k.PortID < o.PortID
	}
	return k.Principal < o.Principal
}

// Record is one registry entry.
type Record struct {
	Delegate   string `json:"delegate"`
	Connection string `json:"connection"`
	Port       string `json:"port"`
	Principal  string `json:"principal"`
}

// Key returns the record's key.
func (r Record) Key() Key {
	return Key{ConnectionID: r.Connection, PortID: r.Port, Principal: r.Principal}
}

// GetDelegateInput holds parameters for the getDelegate method.
type GetDelegateInput struct {
	ConnectionID string `json:"connectionId"`
	PortID       string `json:"portId"`
	Principal    string `json:"principal"`
}

// GetDelegateOutput holds the result of the getDelegate method.
type GetDelegateOutput struct {
	Delegate string `json:"delegate"`
}

// ListDelegatesInput holds parameters for the listDelegates method.
// StartAfter, when set, is the exclusive [connection, port, principal] cursor.
type ListDelegatesInput struct {
	StartAfter []string `json:"startAfter,omitempty"`
	Limit      *int     `json:"limit,omitempty"`
}

// ListDelegatesOutput holds the result of the listDelegates method.
type ListDelegatesOutput struct {
	Delegates []Record `json:"delegates"`
}

// HealthOutput holds the result of the health method.
type HealthOutput struct {
	Status    string       `json:"status"`
	Checks    HealthChecks `json:"checks"`
	Delegates int64        `json:"delegates"`
	Timestamp string       `json:"timestamp"`
}

// HealthChecks holds individual health check results.
type HealthChecks struct {
	Store bool `json:"store"`
}

// Error codes.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeInternal        = "INTERNAL_ERROR"
)

// RegistryError is a structured error from the registry.
type RegistryError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *RegistryError) Error() string {
	return e.Code + ": " + e.Message
}

// NewRegistryError creates a new RegistryError.
func NewRegistryError(code, message string) *RegistryError {
	return &RegistryError{Code: code, Message: message}
}
