// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"net"
	"net/netip"
	"time"
)

// Interest is the readiness a [*Channel] is waiting for.
type Interest int

const (
	// InterestRead means waiting for the socket to become readable.
	InterestRead Interest = iota

	// InterestWrite means waiting for the socket to become writable.
	InterestWrite
)

// String implements [fmt.Stringer].
func (i Interest) String() string {
	if i == InterestWrite {
		return "w"
	}
	return "r"
}

// Socket is a non-blocking stream socket.
//
// Read and Write return [ErrWouldBlock] instead of blocking. Deadlines
// are ignored: timeouts are enforced by whoever polls the descriptor.
type Socket interface {
	net.Conn

	// Connect starts or resumes connecting. It returns nil once connected
	// and [ErrWouldBlock] while the connection is in progress.
	Connect() error

	// Fd returns the file descriptor to poll or -1 once closed.
	Fd() int
}

// SocketDialer creates a [Socket] for a remote address.
type SocketDialer interface {
	NewSocket(addr netip.AddrPort) (Socket, error)
}

// SystemSocketDialer creates [Socket] instances backed by the operating system.
//
// The zero value is ready to use.
type SystemSocketDialer struct{}

var _ SocketDialer = SystemSocketDialer{}

// NewSocket implements [SocketDialer].
func (SystemSocketDialer) NewSocket(addr netip.AddrPort) (Socket, error) {
	return newSystemSocket(addr)
}

// PollRequest is a descriptor and the readiness to wait for.
type PollRequest struct {
	Fd       int
	Interest Interest
}

// PollResult is the readiness of a descriptor after polling.
//
// Both flags are set on error or hangup so that the owner observes the failure.
type PollResult struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller waits until at least one descriptor is ready.
type Poller interface {
	// Poll waits at most timeout for the given descriptors. A zero or
	// negative timeout waits indefinitely. An empty result means that the
	// timeout expired.
	Poll(reqs []PollRequest, timeout time.Duration) ([]PollResult, error)
}
