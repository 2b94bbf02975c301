// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"net/netip"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginOf(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "http://Example.COM/path?q=1", want: "http://example.com:80"},
		{input: "https://example.com/", want: "https://example.com:443"},
		{input: "HTTPS://example.com:8443/x", want: "https://example.com:8443"},
		{input: "https://[::1]/", want: "https://[::1]:443"},
		{input: "ftp://example.com/", wantErr: true},
		{input: "/relative", wantErr: true},
		{input: "http://example.com:99999/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			u, err := url.Parse(tt.input)
			require.NoError(t, err)
			got, err := originOf(u)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	_, err := originOf(nil)
	require.ErrorIs(t, err, ErrUnsupportedURL)
}

// nextAddr walks the resolved addresses in order using the origin port.
func TestConnectionNextAddr(t *testing.T) {
	u, err := url.Parse("https://example.com:8443/")
	require.NoError(t, err)
	conn, err := newConnection(u, TimeoutPolicy{})
	require.NoError(t, err)
	assert.Equal(t, "example.com", conn.Hostname())

	conn.setAddrs([]netip.Addr{
		netip.MustParseAddr("::ffff:192.0.2.1"),
		netip.MustParseAddr("2001:db8::1"),
	})
	var got []string
	for {
		addr, found := conn.nextAddr()
		if !found {
			break
		}
		got = append(got, addr.String())
	}
	assert.Equal(t, []string{"192.0.2.1:8443", "[2001:db8::1]:8443"}, got)

	conn.setAddrs([]netip.Addr{netip.MustParseAddr("192.0.2.7")})
	addr, found := conn.nextAddr()
	require.True(t, found)
	assert.Equal(t, "192.0.2.7:8443", addr.String())
}
