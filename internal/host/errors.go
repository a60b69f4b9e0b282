package host

import (
	"strings"

	"github.com/tphakala/framecast/internal/errors"
)

const componentHost = "host"

func sentinel(category errors.ErrorCategory, kind, msg string) *errors.EnhancedError {
	return errors.New(nil).
		Component(componentHost).
		Category(category).
		Context("kind", kind).
		Context("error", msg).
		Build()
}

// Sentinel errors. Wrapped variants built by this package keep matching them
// with errors.Is.
var (
	ErrModuleNotFound          = sentinel(errors.CategoryModuleLoad, "module-not-found", "module not found")
	ErrSymbolMissing           = sentinel(errors.CategoryModuleSymbol, "symbol-missing", "mandatory module symbol missing")
	ErrInitRejected            = sentinel(errors.CategoryModuleInit, "init-rejected", "module init rejected")
	ErrExitRequested           = sentinel(errors.CategoryModuleInit, "exit-requested", "module requested a clean exit")
	ErrStartupInterrupted      = sentinel(errors.CategoryCancellation, "startup-interrupted", "stop requested during startup")
	ErrSyncPrimitiveInitFailed = sentinel(errors.CategoryFrameChannel, "sync-init-failed", "frame channel setup failed")
	ErrModuleStopTimeout       = sentinel(errors.CategoryTimeout, "module-stop-timeout", "module did not stop in time")
	ErrEndOfStream             = sentinel(errors.CategoryCancellation, "end-of-stream", "end of stream")
	ErrChannelClosed           = sentinel(errors.CategoryFrameChannel, "channel-closed", "frame channel closed")
	ErrNoFrame                 = sentinel(errors.CategoryNotFound, "no-frame", "no frame published yet")
	ErrInvalidState            = sentinel(errors.CategoryState, "invalid-state", "invalid module lifecycle transition")
	ErrTooManyOutputs          = sentinel(errors.CategoryLimit, "too-many-outputs", "too many delivery modules")
	ErrNotCommandable          = sentinel(errors.CategoryNotFound, "not-commandable", "module does not accept commands")
)

// SymbolMissing reports the first mandatory entry point a plugin does not export.
func SymbolMissing(module, symbol string) error {
	return errors.Newf("module %q: %w: %s", module, ErrSymbolMissing, symbol).
		Component(componentHost).
		Context("module", module).
		Context("symbol", symbol).
		Build()
}

func moduleNotFound(role Role, name string, searched []string) error {
	return errors.Newf("%s module %q: %w (searched registry and %s)",
		role, name, ErrModuleNotFound, strings.Join(searched, ", ")).
		Component(componentHost).
		Context("module", name).
		Context("role", role.String()).
		Build()
}

func initRejected(b *Binding, cause error) error {
	return errors.Newf("%s module %q: %w: %w", b.role, b.name, ErrInitRejected, cause).
		Component(componentHost).
		Context("module", b.name).
		Context("role", b.role.String()).
		Build()
}

func startupInterrupted(step string) error {
	return errors.Newf("%s: %w", step, ErrStartupInterrupted).
		Component(componentHost).
		Context("step", step).
		Build()
}

func invalidTransition(b *Binding, op string, from LifecycleState) error {
	return errors.Newf("module %q: %w: cannot %s while %s", b.name, ErrInvalidState, op, from).
		Component(componentHost).
		Context("module", b.name).
		Context("operation", op).
		Context("state", from.String()).
		Build()
}

// ExitCode maps a startup error to the process exit status. A module that
// rejects its init asks the process to exit and is not a failure; only
// resolution, symbol and setup errors exit non-zero.
func ExitCode(err error) int {
	if err == nil ||
		errors.Is(err, ErrExitRequested) ||
		errors.Is(err, ErrInitRejected) ||
		errors.Is(err, ErrStartupInterrupted) {
		return 0
	}
	return 1
}
