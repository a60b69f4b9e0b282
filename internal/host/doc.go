// Package host implements the framecast core: the module registry and lifecycle
// manager, the shared single-slot frame channel and the shutdown coordinator.
//
// One capture module publishes frames through a Publisher. Every delivery module
// reads them through a Source with latest-value semantics: a consumer never sees
// a generation it has already seen, and frames published while it was busy are
// superseded rather than queued. Consumers copy the frame while the channel lock
// is held and do their own work after it has been released.
//
// Startup is serial: the capture module is loaded and initialized, then each
// delivery module in order. Run is only called after every Init succeeded.
// Shutdown runs once: stop flag, capture stop, delivery stops in registration
// order, grace period, unload, channel close.
package host
