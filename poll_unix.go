// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package httpcore

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// SystemPoller implements [Poller] using poll(2).
//
// The zero value is ready to use.
type SystemPoller struct{}

var _ Poller = SystemPoller{}

// Poll implements [Poller].
func (SystemPoller) Poll(reqs []PollRequest, timeout time.Duration) ([]PollResult, error) {
	fds := make([]unix.PollFd, 0, len(reqs))
	for _, req := range reqs {
		events := int16(unix.POLLIN)
		if req.Interest == InterestWrite {
			events = unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(req.Fd), Events: events})
	}

	millis := -1
	if timeout > 0 {
		// round up so that we never wake up before the timeout
		millis = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	for {
		_, err := unix.Poll(fds, millis)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, os.NewSyscallError("poll", err)
		}
		break
	}

	var results []PollResult
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		failed := pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
		results = append(results, PollResult{
			Fd:       int(pfd.Fd),
			Readable: failed || pfd.Revents&unix.POLLIN != 0,
			Writable: failed || pfd.Revents&unix.POLLOUT != 0,
		})
	}
	return results, nil
}
