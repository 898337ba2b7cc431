// Package session owns the single upstream connection as an explicit state
// machine: connecting, qr_wait, connected, disconnected. Lifecycle events
// from the protocol client drive every transition; disconnects are
// classified (logged-out vs transient) and transient ones reconnect with
// capped exponential backoff. A logged-out disconnect suspends the loop
// until an operator relinks.
package session
