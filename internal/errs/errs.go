// Package errs defines the error taxonomy shared across yard subsystems.
//
// Callers branch on error kind, not message text: sentinel errors cover the
// common conditions (not found, already exists, non-fast-forward, ...) and
// are matched with errors.Is; PartialFailure is a typed error carrying the
// resources an interrupted multi-step operation left behind and the command
// that resolves them, matched with errors.As.
//
// Nothing here retries. Operations fail once and report; recovery is
// operator-initiated (re-run, or the gc pass).
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the conditions callers branch on.
var (
	// ErrInvalidIdentifier indicates a config name or tag that cannot form a
	// safe run identifier. Returned before any side effect.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrAlreadyExists indicates a run record or resource with the same
	// identity already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrAlreadyRunning indicates a non-terminal container already carries
	// the run's label.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotFound indicates the referenced run, container, or clone does not
	// exist. Usually a stale caller view, so it is an error, not a no-op.
	ErrNotFound = errors.New("not found")

	// ErrNonFastForward indicates a ref update that would rewrite history.
	// The merge decision is deferred to the operator, never auto-resolved.
	ErrNonFastForward = errors.New("non-fast-forward")

	// ErrStartupTimeout indicates a container did not reach the running state
	// within the start window. The container is left in place for diagnosis.
	ErrStartupTimeout = errors.New("startup timed out")
)

// NotFoundError is a NotFound with the resource named, so messages stay
// specific while errors.Is(err, ErrNotFound) still matches.
type NotFoundError struct {
	Kind string // "run", "container", "clone", "config", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AlreadyExistsError is an AlreadyExists with the resource named.
type AlreadyExistsError struct {
	Kind string
	ID   string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}

func (e *AlreadyExistsError) Unwrap() error { return ErrAlreadyExists }

// PartialFailure reports a multi-step operation that aborted mid-way after
// rolling back its own partial effects. Remaining lists resources that still
// exist and need operator attention; Resolve names the command that finishes
// the job.
type PartialFailure struct {
	Op        string   // "provision", "delete", ...
	Err       error    // the step failure that aborted the operation
	Remaining []string // resources left behind, empty if rollback was complete
	Resolve   string   // e.g. "re-run the command" or "yard gc --apply"
}

func (e *PartialFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed: %v", e.Op, e.Err)
	if len(e.Remaining) > 0 {
		fmt.Fprintf(&b, " (remaining: %s)", strings.Join(e.Remaining, ", "))
	}
	if e.Resolve != "" {
		fmt.Fprintf(&b, "; to resolve: %s", e.Resolve)
	}
	return b.String()
}

func (e *PartialFailure) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFound condition.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists reports whether err is an AlreadyExists condition.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsNonFastForward reports whether err is a rejected non-fast-forward update.
func IsNonFastForward(err error) bool { return errors.Is(err, ErrNonFastForward) }

// IsInvalidIdentifier reports whether err is an identifier validation failure.
func IsInvalidIdentifier(err error) bool { return errors.Is(err, ErrInvalidIdentifier) }
