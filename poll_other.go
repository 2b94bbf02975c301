// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package httpcore

import (
	"errors"
	"time"
)

// SystemPoller implements [Poller]. It is not supported on this platform.
type SystemPoller struct{}

var _ Poller = SystemPoller{}

// Poll implements [Poller].
func (SystemPoller) Poll(reqs []PollRequest, timeout time.Duration) ([]PollResult, error) {
	return nil, errors.ErrUnsupported
}
