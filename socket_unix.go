// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package httpcore

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// unixSocket is a [Socket] on top of a raw non-blocking descriptor.
//
// We do not use [net.Conn] because the Go runtime parks the calling
// goroutine instead of reporting that the descriptor is not ready.
type unixSocket struct {
	connected bool
	fd        int
	raddr     netip.AddrPort
	sa        unix.Sockaddr
	started   bool
}

func newSystemSocket(addr netip.AddrPort) (Socket, error) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	domain := unix.AF_INET6
	var sa unix.Sockaddr = &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
	if addr.Addr().Is4() {
		domain = unix.AF_INET
		sa = &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setnonblock", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return &unixSocket{fd: fd, raddr: addr, sa: sa}, nil
}

// Connect implements [Socket].
func (s *unixSocket) Connect() error {
	if s.fd < 0 {
		return net.ErrClosed
	}
	if s.connected {
		return nil
	}
	if !s.started {
		s.started = true
		err := unix.Connect(s.fd, s.sa)
		switch {
		case err == nil:
			s.connected = true
			return nil
		case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR), errors.Is(err, unix.EALREADY):
			return ErrWouldBlock
		default:
			return os.NewSyscallError("connect", err)
		}
	}
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if soerr != 0 {
		return os.NewSyscallError("connect", unix.Errno(soerr))
	}
	if _, err := unix.Getpeername(s.fd); err != nil {
		if errors.Is(err, unix.ENOTCONN) {
			return ErrWouldBlock
		}
		return os.NewSyscallError("getpeername", err)
	}
	s.connected = true
	return nil
}

// Fd implements [Socket].
func (s *unixSocket) Fd() int {
	return s.fd
}

// Read implements [net.Conn].
func (s *unixSocket) Read(buf []byte) (int, error) {
	if s.fd < 0 {
		return 0, net.ErrClosed
	}
	if len(buf) <= 0 {
		return 0, nil
	}
	for {
		count, err := unix.Read(s.fd, buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case count <= 0:
			return 0, io.EOF
		default:
			return count, nil
		}
	}
}

// Write implements [net.Conn].
func (s *unixSocket) Write(data []byte) (int, error) {
	if s.fd < 0 {
		return 0, net.ErrClosed
	}
	var total int
	for total < len(data) {
		count, err := unix.Write(s.fd, data[total:])
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return total, ErrWouldBlock
		case err != nil:
			return total, os.NewSyscallError("write", err)
		}
		total += max(count, 0)
	}
	return total, nil
}

// Close implements [net.Conn].
func (s *unixSocket) Close() error {
	if s.fd < 0 {
		return net.ErrClosed
	}
	fd := s.fd
	s.fd = -1
	return os.NewSyscallError("close", unix.Close(fd))
}

// LocalAddr implements [net.Conn].
func (s *unixSocket) LocalAddr() net.Addr {
	if s.fd < 0 {
		return &net.TCPAddr{}
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return &net.TCPAddr{}
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.TCPAddrFromAddrPort(netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)))
	case *unix.SockaddrInet6:
		return net.TCPAddrFromAddrPort(netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)))
	default:
		return &net.TCPAddr{}
	}
}

// RemoteAddr implements [net.Conn].
func (s *unixSocket) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(s.raddr)
}

// SetDeadline implements [net.Conn].
func (s *unixSocket) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline implements [net.Conn].
func (s *unixSocket) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (s *unixSocket) SetWriteDeadline(t time.Time) error {
	return nil
}
