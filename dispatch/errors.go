// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/keyshared/rangeset"
)

var errNoConsumers = errors.New("dispatch: no consumers attached")

func errConsumerAlreadyAttached(name string) error {
	return fmt.Errorf("dispatch: consumer %q is already attached", name)
}

func errUnknownPosition(p rangeset.Position) error {
	return fmt.Errorf("dispatch: ledger has no record of position %s", p)
}

func errNoBreaker(name string) error {
	return fmt.Errorf("dispatch: no circuit breaker registered for consumer %q", name)
}

func errConsumerGone(name string) error {
	return fmt.Errorf("dispatch: consumer %q is no longer registered", name)
}

// Kind classifies a dispatch Error so callers can decide how to recover
// without string-matching messages.
type Kind int

const (
	// KindInvalidArgument means the caller passed a value the dispatcher
	// rejects outright (e.g. a duplicate consumer name).
	KindInvalidArgument Kind = iota
	// KindNotReady means the dispatcher cannot make progress right now
	// but the condition is expected to clear on its own (e.g. no
	// consumers attached yet).
	KindNotReady
	// KindTransport means a send to a consumer failed; the entries stay
	// unsent and are recovered through redelivery.
	KindTransport
	// KindCursorClosed means the dispatcher has been closed (see
	// Dispatcher.Close) and accepts no further consumers or batches.
	KindCursorClosed
	// KindInvariantViolation means the dispatcher detected a state that
	// should be provably unreachable. It is always a bug, never a
	// recoverable runtime condition.
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotReady:
		return "not_ready"
	case KindTransport:
		return "transport"
	case KindCursorClosed:
		return "cursor_closed"
	case KindInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every exported dispatch operation.
// Its Kind is compared with errors.Is against the exported sentinels below.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dispatch: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("dispatch: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a dispatch *Error of the same Kind,
// allowing callers to write errors.Is(err, dispatch.ErrTransport) without
// caring about the wrapped cause or Op.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Kind == e.Kind
}

// Sentinel values for errors.Is comparisons. Their Op/Err fields are unused.
var (
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrNotReady           = &Error{Kind: KindNotReady}
	ErrTransport          = &Error{Kind: KindTransport}
	ErrCursorClosed       = &Error{Kind: KindCursorClosed}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}

	// ErrRequiresNewSubscription is returned by Dispatcher.Reconfigure when
	// the requested change would alter the ordering guarantee consumers
	// have already been promised (flipping AllowOutOfOrderDelivery, or
	// switching KeySharedMode/UseConsistentHashing away from the selector
	// strategy chosen at New). Callers must detach consumers and
	// recreate the Dispatcher instead.
	ErrRequiresNewSubscription = &Error{Kind: KindInvalidArgument}
)

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// invariantViolation logs the violation at error level and then panics, as
// required for KindInvariantViolation: a dispatcher that has reached a
// state its own algorithm claims is unreachable cannot safely keep serving
// the subscription.
func invariantViolation(logger *slog.Logger, op string, err error) {
	e := newError(KindInvariantViolation, op, err)
	logger.Error("dispatch: invariant violation", "op", op, "err", err)
	panic(e)
}
