// Package errs defines the sentinel error categories used across the
// orchestrator. Callers wrap a sentinel with fmt.Errorf("...: %w", err) so
// errors.Is/errors.As keep working without parsing strings.
package errs

import "errors"

var (
	// ErrConfig covers missing/invalid configuration and bad config files.
	// Fatal at startup.
	ErrConfig = errors.New("config/init error")

	// ErrStorage covers DB I/O or transaction failures. Operation-level
	// fatal; the caller decides whether to retry.
	ErrStorage = errors.New("storage error")

	// ErrChain covers RPC timeouts, unreachable providers, contract
	// reverts, and ABI decode failures.
	ErrChain = errors.New("chain error")

	// ErrContainer covers pull/run/remove failures against the container
	// host.
	ErrContainer = errors.New("container error")

	// ErrAdmission covers malformed protocol bytes and auth rejection.
	// Surfaced as 4xx on the HTTP path.
	ErrAdmission = errors.New("admission error")

	// ErrInternal covers closed channels and missing cross-component
	// senders. Fatal process state.
	ErrInternal = errors.New("internal error")

	// ErrNotFound is returned by Store lookups that find no row. It is
	// not a storage failure — callers treat it as "absent", not fatal.
	ErrNotFound = errors.New("not found")
)
