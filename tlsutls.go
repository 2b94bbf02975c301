// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"crypto/tls"
	"net"

	utls "github.com/refraction-networking/utls"
)

// TLSEngineUTLS implements [TLSEngine] using [utls] to parrot the
// ClientHello of a well-known client.
//
// Session resumption is not supported: the session cache in the
// [*tls.Config] is not carried over.
type TLSEngineUTLS struct {
	// ClientHelloID is the ClientHello to parrot. A nil value
	// selects [utls.HelloChrome_Auto].
	ClientHelloID *utls.ClientHelloID
}

var _ TLSEngine = TLSEngineUTLS{}

func (e TLSEngineUTLS) helloID() utls.ClientHelloID {
	if e.ClientHelloID == nil {
		return utls.HelloChrome_Auto
	}
	return *e.ClientHelloID
}

// Client implements [TLSEngine].
func (e TLSEngineUTLS) Client(conn net.Conn, config *tls.Config) TLSConn {
	uconfig := &utls.Config{
		InsecureSkipVerify: config.InsecureSkipVerify,
		MinVersion:         config.MinVersion,
		NextProtos:         config.NextProtos,
		RootCAs:            config.RootCAs,
		ServerName:         config.ServerName,
		Time:               config.Time,
	}
	return &utlsConn{UConn: utls.UClient(conn, uconfig, e.helloID())}
}

// Name implements [TLSEngine].
//
// This function returns "utls".
func (TLSEngineUTLS) Name() string {
	return "utls"
}

// Parrot implements [TLSEngine].
func (e TLSEngineUTLS) Parrot() string {
	id := e.helloID()
	return id.Client + "_" + id.Version
}

// utlsConn adapts [*utls.UConn] to [TLSConn].
type utlsConn struct {
	*utls.UConn
}

// ConnectionState implements [TLSConn].
func (c *utlsConn) ConnectionState() tls.ConnectionState {
	state := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version:            state.Version,
		HandshakeComplete:  state.HandshakeComplete,
		DidResume:          state.DidResume,
		CipherSuite:        state.CipherSuite,
		NegotiatedProtocol: state.NegotiatedProtocol,
		ServerName:         state.ServerName,
		PeerCertificates:   state.PeerCertificates,
		VerifiedChains:     state.VerifiedChains,
	}
}
