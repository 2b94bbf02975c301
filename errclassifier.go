// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"errors"

	"github.com/bassosimone/errclass"
)

// ErrClassifier maps an error to the short label (e.g., "ETIMEDOUT")
// logged in the errClass field.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies a [*TimeoutError] as ETIMEDOUT and any
// other error using [errclass.New]. A nil error maps to the empty string.
var DefaultErrClassifier = ErrClassifierFunc(func(err error) string {
	var terr *TimeoutError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &terr):
		return errclass.ETIMEDOUT
	default:
		return errclass.New(err)
	}
})
