// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bassosimone/errclass"
	"github.com/stretchr/testify/assert"
)

func TestDefaultErrClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "context deadline", err: context.DeadlineExceeded, want: errclass.ETIMEDOUT},
		{name: "timeout error", err: &TimeoutError{Op: "connect"}, want: errclass.ETIMEDOUT},
		{name: "wrapped timeout error", err: fmt.Errorf("x: %w", &TimeoutError{Op: "query"}), want: errclass.ETIMEDOUT},
		{name: "unknown", err: errors.New("unknown error"), want: errclass.EGENERIC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultErrClassifier.Classify(tt.err))
		})
	}
}
