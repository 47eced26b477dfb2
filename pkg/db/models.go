package db

import "time"

// Delegate represents a row in the delegates table.
type Delegate struct {
	ConnectionID string    `json:"connection_id"`
	PortID       string    `json:"port_id"`
	Principal    string    `json:"principal"`
	Delegate     string    `json:"delegate"`
	Created      time.Time `json:"created"`
}

// DelegateKey is the composite primary key of the delegates table, used as
// the exclusive keyset cursor when listing.
type DelegateKey struct {
	ConnectionID string
	PortID       string
	Principal    string
}

// Instance represents a row in the delegate_instances table.
type Instance struct {
	Address string    `json:"address"`
	Admin   string    `json:"admin"`
	CodeID  uint64    `json:"code_id"`
	Label   string    `json:"label"`
	Created time.Time `json:"created"`
}
