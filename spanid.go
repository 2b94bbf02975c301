// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a time-ordered UUIDv7 identifying a span, that is,
// all the events logged by a single [*Client.Do] call.
//
// It panics if the system random number generator fails.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
