// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package httpcore

import (
	"errors"
	"net/netip"
)

func newSystemSocket(addr netip.AddrPort) (Socket, error) {
	return nil, errors.ErrUnsupported
}
