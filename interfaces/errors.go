package interfaces

import "errors"

var (
	// ErrInvalidIdentifier is returned for malformed owner identifiers.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrKeyNotFound is returned when signing with an unknown agent ref.
	ErrKeyNotFound = errors.New("agent key not found")

	// ErrSessionNotFound is returned when no agent was provisioned for an owner.
	ErrSessionNotFound = errors.New("agent session not found")

	// ErrUnauthenticated is returned for missing, empty or unknown API keys
	// and for failed SIWE verification.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrAttestationUnavailable is returned when the quoting mechanism cannot
	// produce a report. A report is never fabricated in this case.
	ErrAttestationUnavailable = errors.New("attestation unavailable")

	// ErrUpstreamUnreachable is returned when the exchange cannot be reached.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrUpstreamTimeout is returned when the exchange did not answer in time.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)
