// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"crypto/tls"
	"strings"
	"testing"

	utls "github.com/refraction-networking/utls"
	"github.com/stretchr/testify/assert"
)

func TestTLSEngineUTLS(t *testing.T) {
	engine := TLSEngineUTLS{}
	assert.Equal(t, "utls", engine.Name())
	assert.True(t, strings.HasPrefix(engine.Parrot(), "Chrome_"), engine.Parrot())

	firefox := TLSEngineUTLS{ClientHelloID: &utls.HelloFirefox_120}
	assert.Equal(t, "Firefox_120", firefox.Parrot())

	conn := engine.Client(newMinimalConn(), &tls.Config{ServerName: "example.com"})
	_, ok := conn.(*utlsConn)
	assert.True(t, ok)
	assert.False(t, conn.ConnectionState().HandshakeComplete)
}
