// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHostsFile = `# comment
127.0.0.1	localhost
192.0.2.1	dns.example.com dns   # inline comment
2001:db8::1	DNS.example.com.
not-an-address	dns.example.com
192.0.2.2
`

func TestParseHostsFile(t *testing.T) {
	got, err := parseHostsFile(strings.NewReader(testHostsFile), "dns.example.com")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("2001:db8::1"),
	}, got)

	got, err = parseHostsFile(strings.NewReader(testHostsFile), "missing.example.com")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLookupHostsFile(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		got, err := lookupHostsFile("", "localhost")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("missing file", func(t *testing.T) {
		got, err := lookupHostsFile(filepath.Join(t.TempDir(), "hosts"), "localhost")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("existing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "hosts")
		require.NoError(t, os.WriteFile(path, []byte(testHostsFile), 0600))
		got, err := lookupHostsFile(path, "localhost")
		require.NoError(t, err)
		assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, got)
	})
}
