package types

import "errors"

var (
	// ErrNotFound is returned when a referenced node, host, tag or edge does not exist
	ErrNotFound = errors.New("not found")

	// ErrValidation wraps input validation failures
	ErrValidation = errors.New("validation failed")

	// ErrAETConflict is returned when an AET is already used by another node
	ErrAETConflict = errors.New("aet already in use")

	// ErrEndpointNotFound is returned when a node cannot be resolved to an address
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrEndpointUnavailable is returned when a target server is down
	ErrEndpointUnavailable = errors.New("endpoint unavailable")

	// ErrEndpointSyncFailed is returned when a remote configuration push failed
	ErrEndpointSyncFailed = errors.New("endpoint sync failed")

	// ErrNoValidCredential is returned when no valid user is linked to a server
	ErrNoValidCredential = errors.New("no valid credential")

	// ErrHostNotFound is returned when a host name matches no host
	ErrHostNotFound = errors.New("host not found")

	// ErrHostAmbiguous is returned when a host name matches several hosts
	ErrHostAmbiguous = errors.New("host name is ambiguous")
)
