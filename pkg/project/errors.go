package project

import "errors"

// Only ErrNotFound and ErrInvalidTransition are returned from phase calls.
// The remaining sentinels classify conditions recorded in project state.
var (
	ErrNotFound          = errors.New("project not found")
	ErrInvalidTransition = errors.New("invalid phase transition")

	ErrToolFailure       = errors.New("verification tool failure")
	ErrUnresolvedErrors  = errors.New("unresolved errors after healing budget")
	ErrMissingCredential = errors.New("missing required credential")
)
