// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// appendStep returns a step that appends name to its input.
func appendStep(name string) Func[string, string] {
	return FuncAdapter[string, string](func(ctx context.Context, input string) (string, error) {
		return input + name, nil
	})
}

func TestCompose(t *testing.T) {
	t.Run("steps run in order", func(t *testing.T) {
		fn := Compose6(appendStep("a"), appendStep("b"), appendStep("c"),
			appendStep("d"), appendStep("e"), appendStep("f"))
		out, err := fn.Call(context.Background(), ">")
		require.NoError(t, err)
		assert.Equal(t, ">abcdef", out)
	})

	t.Run("the first error stops the pipeline", func(t *testing.T) {
		wantErr := errors.New("mocked error")
		var called bool
		fail := FuncAdapter[string, string](func(ctx context.Context, input string) (string, error) {
			return "", wantErr
		})
		last := FuncAdapter[string, string](func(ctx context.Context, input string) (string, error) {
			called = true
			return input, nil
		})
		out, err := Compose4(appendStep("a"), fail, appendStep("c"), last).Call(context.Background(), "")
		require.ErrorIs(t, err, wantErr)
		assert.Empty(t, out)
		assert.False(t, called)
	})
}

func TestNewEndpointFunc(t *testing.T) {
	endpoint := netip.MustParseAddrPort("8.8.8.8:53")
	fn := Compose2(NewEndpointFunc(endpoint), FuncAdapter[netip.AddrPort, string](
		func(ctx context.Context, input netip.AddrPort) (string, error) {
			return input.String(), nil
		}))
	out, err := fn.Call(context.Background(), Unit{})
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8:53", out)
}
