package executor

import "errors"

// Errors raised while handling a packet. All of them except
// ErrInvalidCompletionID end up as the text of a failure acknowledgement.
var (
	// ErrDecode means the packet data is not a valid packet message.
	ErrDecode = errors.New("decode packet")
	// ErrIdentityResolution means the packet did not arrive on an open
	// channel whose counterparty is the packet's source.
	ErrIdentityResolution = errors.New("invalid connection id")
	// ErrDelegateNotFound means no delegate is registered for the caller.
	ErrDelegateNotFound = errors.New("delegate not found")
	// ErrAlreadyRegistered means an instantiation completed for a caller
	// that already has a delegate.
	ErrAlreadyRegistered = errors.New("delegate already registered")
	// ErrInvalidCompletionID means a completion arrived with an id no
	// request kind uses. It is an invariant violation, not a user error.
	ErrInvalidCompletionID = errors.New("invalid reply id")
	// ErrInvalidInstantiateResult means the instantiate outcome did not carry
	// a delegate address.
	ErrInvalidInstantiateResult = errors.New("invalid instantiate result")
)
