//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.0/internal/x/dslx/fxcore.go
//

package httpcore

import (
	"context"
	"net/netip"
)

// Func is a blocking step of a bootstrap pipeline.
//
// A Func that receives a closeable value and fails must close it before
// returning, so that a failing pipeline does not leak connections.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter turns a closure into a [Func].
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}

// Unit is the empty input of a pipeline's first step.
type Unit struct{}

// Compose2 runs op1 and feeds its result to op2, stopping at the first error.
func Compose2[A, B, C any](op1 Func[A, B], op2 Func[B, C]) Func[A, C] {
	return FuncAdapter[A, C](func(ctx context.Context, input A) (C, error) {
		mid, err := op1.Call(ctx, input)
		if err != nil {
			var zero C
			return zero, err
		}
		return op2.Call(ctx, mid)
	})
}

// Compose4 is [Compose2] applied left to right over four steps.
func Compose4[A, B, C, D, E any](op1 Func[A, B], op2 Func[B, C], op3 Func[C, D], op4 Func[D, E]) Func[A, E] {
	return Compose2(Compose2(Compose2(op1, op2), op3), op4)
}

// Compose5 is [Compose4] followed by one more step.
func Compose5[A, B, C, D, E, F any](
	op1 Func[A, B], op2 Func[B, C], op3 Func[C, D], op4 Func[D, E], op5 Func[E, F]) Func[A, F] {
	return Compose2(Compose4(op1, op2, op3, op4), op5)
}

// Compose6 is [Compose5] followed by one more step.
func Compose6[A, B, C, D, E, F, G any](
	op1 Func[A, B], op2 Func[B, C], op3 Func[C, D], op4 Func[D, E], op5 Func[E, F], op6 Func[F, G]) Func[A, G] {
	return Compose2(Compose5(op1, op2, op3, op4, op5), op6)
}

// NewEndpointFunc returns the first step of a bootstrap pipeline, which
// yields the server endpoint.
func NewEndpointFunc(endpoint netip.AddrPort) Func[Unit, netip.AddrPort] {
	return FuncAdapter[Unit, netip.AddrPort](func(context.Context, Unit) (netip.AddrPort, error) {
		return endpoint, nil
	})
}
