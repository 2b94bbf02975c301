// SPDX-License-Identifier: GPL-3.0-or-later

// Package httpcore is the transport core of an event-driven HTTP client.
//
// # Channels
//
// A [*Channel] is a single connection to an origin. It owns a non-blocking
// [Socket], drives the TLS handshake (with SNI and ALPN) without blocking,
// and hands the negotiated byte stream to an HTTP/1.1 or HTTP/2 processor.
// Every method returns [ErrWouldBlock] instead of waiting, so that a
// single goroutine can drive many channels by polling their descriptors
// with a [Poller].
//
// Requests are queued with [*Channel.Send] and answered by [Result] values,
// exactly one per request. When a channel closes, the requests still queued
// or in flight fail with [ErrChannelClosed] or with the error that caused
// the close.
//
// # Client
//
// [*Client.Do] groups requests by origin into a [*Connection], resolves
// each hostname, opens one channel per connection, and polls all of them
// until every request has a result. Connecting falls through the resolved
// addresses in order. A peer that closes the connection with requests in
// flight triggers at most [Config.MaxReconnects] reconnections.
//
// # Timeouts
//
// A [TimeoutPolicy] sets a connect budget, a per-phase operation budget,
// and a total budget. [*Timeout] switches from the connect budget to the
// operation budget once the channel is ready and charges elapsed time
// against the total budget. Per-call overrides travel in the context via
// [ContextWithTimeoutPolicy].
//
// # Resolver
//
// The [*Resolver] resolves hostnames using DNS-over-HTTPS over its own
// [*Channel], so that queries are multiplexed on the same poll loop as
// the requests waiting for them. The hostname of the DNS-over-HTTPS
// endpoint is resolved once from an IP literal, the hosts file, or a
// blocking bootstrap exchange ([*BootstrapConn]) over UDP, TCP, DNS over
// TLS, or DNS over HTTPS.
//
// # Observability
//
// All types log through [SLogger], which [*slog.Logger] satisfies, and
// discard logs by default. Operations emit *Start/*Done event pairs with
// the localAddr, protocol, remoteAddr, t0, t, err, and errClass fields.
// Reads and writes are logged at [slog.LevelDebug]. Each call to
// [*Client.Do] tags its events with a spanID created by [NewSpanID].
package httpcore
