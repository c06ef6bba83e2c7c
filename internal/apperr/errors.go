// Package apperr defines the gateway's error taxonomy: kinds, not a tree of
// custom types. Every error surfaced across a component boundary wraps one
// of the sentinel kinds below so callers can classify with errors.Is while
// still getting a human-readable message via %w.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the four error categories from the error handling design.
type Kind error

var (
	// Client is bad input shape, unknown exchange, unsupported interval,
	// invalid symbol, invalid date range, duplicate order_id in a batch.
	Client Kind = errors.New("client error")

	// Auth is missing/malformed/expired/revoked token, or wrong credentials.
	Auth Kind = errors.New("auth error")

	// Upstream is an adapter REST or stream failure.
	Upstream Kind = errors.New("upstream error")

	// Internal is an invariant violation. Fatal to the affected operation,
	// never to the process.
	Internal Kind = errors.New("internal error")
)

// Wrap annotates err with kind so that errors.Is(err, kind) succeeds, while
// keeping the original message and chain intact.
func Wrap(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{kind}, args...)...)
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}

// Sentinel client errors referenced by name across packages (HTTP layer maps
// these to concrete status codes; core packages only need to compare values).
var (
	ErrUsernameTaken      = fmt.Errorf("%w: username taken", Client)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", Auth)
	ErrTokenExpired       = fmt.Errorf("%w: token expired", Auth)
	ErrTokenRevoked       = fmt.Errorf("%w: token revoked", Auth)
	ErrTokenMalformed     = fmt.Errorf("%w: token malformed", Auth)
	ErrForbidden          = fmt.Errorf("%w: forbidden", Auth)
	ErrUnknownExchange    = fmt.Errorf("%w: unknown exchange", Client)
	ErrUnsupportedInterval = fmt.Errorf("%w: unsupported interval", Client)
	ErrInvalidSymbol      = fmt.Errorf("%w: invalid symbol", Client)
	ErrInvalidRange       = fmt.Errorf("%w: invalid date range", Client)
	ErrDuplicateOrderID   = fmt.Errorf("%w: duplicate order_id", Client)
	ErrOrderNotFound      = fmt.Errorf("%w: order not found", Client)
	ErrOrderTerminal      = fmt.Errorf("%w: order already in a terminal state", Client)
)
