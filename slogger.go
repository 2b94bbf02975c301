//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package httpcore

import "log/slog"

// SLogger is the subset of [*slog.Logger] used by this package.
//
// Info carries lifecycle events: connecting, handshaking, exchanging
// HTTP messages, resolving, and closing. Debug carries reads, writes,
// and timeout transitions.
type SLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// DefaultSLogger returns an [SLogger] discarding every event.
func DefaultSLogger() SLogger {
	return discardSLogger{}
}

type discardSLogger struct{}

func (discardSLogger) Debug(msg string, args ...any) {}

func (discardSLogger) Info(msg string, args ...any) {}

// withSpanID returns an [SLogger] prepending spanID to every event.
func withSpanID(logger SLogger, spanID string) SLogger {
	return spanSLogger{logger: logger, spanID: slog.String("spanID", spanID)}
}

type spanSLogger struct {
	logger SLogger
	spanID slog.Attr
}

func (l spanSLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, append([]any{l.spanID}, args...)...)
}

func (l spanSLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, append([]any{l.spanID}, args...)...)
}
