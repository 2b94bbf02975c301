// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/netstub"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBootstrapTestConfig returns a config whose dialer always returns conn.
func newBootstrapTestConfig(conn net.Conn) (*Config, *[]string) {
	var networks []string
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			networks = append(networks, network)
			return conn, nil
		},
	}
	return cfg, &networks
}

// NewBootstrapConnFunc rejects invalid servers and unknown protocols.
func TestNewBootstrapConnFuncInvalid(t *testing.T) {
	cfg := NewConfig()

	t.Run("invalid server", func(t *testing.T) {
		opts := cfg.Resolver
		opts.BootstrapServer = "dns.google"
		_, err := NewBootstrapConnFunc(cfg, &opts, DefaultSLogger())
		require.Error(t, err)
	})

	t.Run("unknown protocol", func(t *testing.T) {
		opts := cfg.Resolver
		opts.BootstrapProtocol = "quic"
		_, err := NewBootstrapConnFunc(cfg, &opts, DefaultSLogger())
		require.Error(t, err)
	})
}

// The pipeline dials the network matching the bootstrap protocol.
func TestNewBootstrapConnFuncProtocols(t *testing.T) {
	tests := []struct {
		// protocol is the bootstrap protocol.
		protocol string

		// wantNetwork is the network we expect to be dialed.
		wantNetwork string
	}{
		{protocol: "", wantNetwork: "udp"},
		{protocol: "udp", wantNetwork: "udp"},
		{protocol: "tcp", wantNetwork: "tcp"},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			conn := newMinimalConn()
			conn.CloseFunc = func() error { return nil }
			cfg, networks := newBootstrapTestConfig(conn)
			opts := cfg.Resolver
			opts.BootstrapProtocol = tt.protocol

			fn, err := NewBootstrapConnFunc(cfg, &opts, DefaultSLogger())
			require.NoError(t, err)

			bc, err := fn.Call(context.Background(), Unit{})
			require.NoError(t, err)
			defer bc.Close()

			assert.Equal(t, []string{tt.wantNetwork}, *networks)
			assert.NotNil(t, bc.Logger)
			assert.NotNil(t, bc.TimeNow)
			assert.NotNil(t, bc.ErrClassifier)
			if tt.protocol != "" {
				assert.Equal(t, tt.protocol, bc.Protocol())
			}
		})
	}
}

// Exchange propagates write errors and logs the exchange span.
func TestBootstrapConnExchangeWriteError(t *testing.T) {
	wantErr := errors.New("write error")
	conn := newMinimalConn()
	conn.CloseFunc = func() error { return nil }
	conn.WriteFunc = func(b []byte) (int, error) {
		return 0, wantErr
	}
	cfg, _ := newBootstrapTestConfig(conn)
	logger, records := newCapturingLogger()

	fn, err := NewBootstrapConnFunc(cfg, &cfg.Resolver, logger)
	require.NoError(t, err)
	bc, err := fn.Call(context.Background(), Unit{})
	require.NoError(t, err)
	defer bc.Close()

	_, err = bc.Exchange(context.Background(), dnscodec.NewQuery("example.com", dns.TypeA))
	require.Error(t, err)

	var messages []string
	for _, record := range *records {
		messages = append(messages, record.Message)
	}
	assert.Contains(t, messages, "dnsExchangeStart")
	assert.Contains(t, messages, "dnsExchangeDone")
}

// bootstrapLookup fails when the server cannot be reached.
func TestBootstrapLookupDialError(t *testing.T) {
	wantErr := errors.New("connection refused")
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, wantErr
		},
	}

	addrs, err := bootstrapLookup(context.Background(), cfg, &cfg.Resolver, "dns.google", DefaultSLogger())

	require.ErrorIs(t, err, wantErr)
	assert.Empty(t, addrs)
}

// answerA builds the reply to query containing a single A record.
func answerA(t *testing.T, query *dns.Msg, addr string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(query)
	rr, err := dns.NewRR(query.Question[0].Name + " 60 IN A " + addr)
	require.NoError(t, err)
	resp.Answer = append(resp.Answer, rr)
	return resp
}

// bootstrapLookup resolves through a plain DNS server over UDP and TCP.
func TestBootstrapLookupUDPAndTCP(t *testing.T) {
	for _, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			handler := dns.HandlerFunc(func(w dns.ResponseWriter, query *dns.Msg) {
				w.WriteMsg(answerA(t, query, "192.0.2.1"))
			})
			started := make(chan struct{})
			srv := &dns.Server{Handler: handler, NotifyStartedFunc: func() { close(started) }}
			if network == "udp" {
				pc, err := net.ListenPacket("udp", "127.0.0.1:0")
				require.NoError(t, err)
				srv.PacketConn = pc
			} else {
				ln, err := net.Listen("tcp", "127.0.0.1:0")
				require.NoError(t, err)
				srv.Listener = ln
			}
			go srv.ActivateAndServe()
			<-started
			defer srv.Shutdown()

			cfg := NewConfig()
			opts := cfg.Resolver
			opts.BootstrapProtocol = network
			if network == "udp" {
				opts.BootstrapServer = srv.PacketConn.LocalAddr().String()
			} else {
				opts.BootstrapServer = srv.Listener.Addr().String()
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			addrs, err := bootstrapLookup(ctx, cfg, &opts, "dns.example.com", DefaultSLogger())

			require.NoError(t, err)
			assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.1")}, addrs)
		})
	}
}

// bootstrapLookup resolves through a DNS-over-HTTPS server over HTTP/2.
func TestBootstrapLookupDoH(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw []byte
		if r.Method == http.MethodGet {
			raw, _ = base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
		} else {
			raw, _ = io.ReadAll(r.Body)
		}
		query := new(dns.Msg)
		if err := query.Unpack(raw); err != nil || len(query.Question) != 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		packed, err := answerA(t, query, "192.0.2.2").Pack()
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(packed)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	cfg := NewConfig()
	cfg.TLS.RootCAs = pool
	opts := cfg.Resolver
	opts.BootstrapProtocol = "doh"
	opts.BootstrapServer = srv.Listener.Addr().String()
	opts.BootstrapSNI = "example.com"
	logger, records := newCapturingLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addrs, err := bootstrapLookup(ctx, cfg, &opts, "dns.example.com", logger)

	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.2")}, addrs)
	var messages []string
	for _, record := range *records {
		messages = append(messages, record.Message)
	}
	assert.Contains(t, messages, "tlsHandshakeDone")
	assert.Contains(t, messages, "httpRoundTripDone")
	assert.Contains(t, messages, "dnsResponse")
}
