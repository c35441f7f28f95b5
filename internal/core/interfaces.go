package core

import "context"

// Transport is the reader capability the engine consumes. Implementations perform exactly one
// physical operation per call and are never called concurrently.
type Transport interface {
	// ReadBlock returns the raw bytes of one block (or of SystemBlockAddress).
	ReadBlock(ctx context.Context, addr Address) ([]byte, error)
	// WriteBlock writes 4 raw bytes to one block.
	WriteBlock(ctx context.Context, addr Address, data Block) error
	// ReadUID returns the raw GET_UID response.
	ReadUID(ctx context.Context) ([]byte, error)
}

// AddressLimit is implemented by transports whose command frames cannot carry every
// EEPROM address of a profile.
type AddressLimit interface {
	// MaxAddress is the highest EEPROM block address the transport can encode.
	MaxAddress() Address
}

// Confirmer asks the operator to approve an irreversible step.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to the Confirmer interface.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

// Confirm calls f(ctx, prompt).
func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// AlwaysConfirm answers yes to every prompt (the -y flag).
var AlwaysConfirm Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) {
	return true, nil
})

// NeverConfirm declines every prompt. It is the default so that a session built without a
// confirmer can never write.
var NeverConfirm Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) {
	return false, nil
})
