// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"
)

// tlsPipe runs a TLS client over a non-blocking [Socket].
//
// The reads and writes of the underlying conn must return [ErrWouldBlock]
// rather than blocking.
//
// The engines in [TLSEngine] cannot resume a handshake that failed with a
// temporary error, so the handshake runs in a goroutine that parks whenever
// the socket would block. The goroutine and its caller strictly alternate:
// [*tlsPipe.Handshake] resumes the goroutine and blocks until it either
// parks again or finishes.
//
// After the handshake, reads and writes run on the caller goroutine. Records
// produced by the engine accumulate in memory until [*tlsPipe.Flush].
type tlsPipe struct {
	bio      *tlsBIO
	conn     TLSConn
	done     chan error
	err      error
	finished bool
	started  bool
}

func newTLSPipe(conn net.Conn, engine TLSEngine, config *tls.Config) *tlsPipe {
	bio := &tlsBIO{
		Conn:     conn,
		resume:   make(chan error),
		wantRead: make(chan struct{}),
	}
	return &tlsPipe{
		bio:  bio,
		conn: engine.Client(bio, config),
		done: make(chan error, 1),
	}
}

// Handshake advances the handshake. It returns nil once the handshake is
// complete, [ErrWouldBlock] along with the interest to wait for, or the
// handshake error.
func (p *tlsPipe) Handshake() (Interest, error) {
	if p.finished {
		return InterestRead, p.err
	}
	if err := p.bio.flush(); err != nil {
		return InterestRead, err
	}
	if len(p.bio.out) > 0 {
		return InterestWrite, ErrWouldBlock
	}

	if !p.started {
		p.started = true
		p.bio.handshaking = true
		go func() {
			p.done <- p.conn.HandshakeContext(context.Background())
		}()
	} else {
		p.bio.resume <- nil
	}

	select {
	case <-p.bio.wantRead:
	case err := <-p.done:
		p.bio.handshaking = false
		p.finished = true
		p.err = err
	}

	if err := p.bio.flush(); err != nil && p.err == nil {
		return InterestRead, err
	}
	if p.finished {
		return InterestRead, p.err
	}
	if len(p.bio.out) > 0 {
		return InterestWrite, ErrWouldBlock
	}
	return InterestRead, ErrWouldBlock
}

// ConnectionState returns the TLS state once the handshake is over.
func (p *tlsPipe) ConnectionState() tls.ConnectionState {
	return p.conn.ConnectionState()
}

// Read reads plaintext. It returns [ErrWouldBlock] when no complete
// record is available.
func (p *tlsPipe) Read(buf []byte) (int, error) {
	return p.conn.Read(buf)
}

// Write encrypts data into the pending output.
func (p *tlsPipe) Write(data []byte) (int, error) {
	return p.conn.Write(data)
}

// Flush writes pending records to the socket until done or would block.
func (p *tlsPipe) Flush() error {
	return p.bio.flush()
}

// Pending returns the number of encrypted bytes not yet written.
func (p *tlsPipe) Pending() int {
	return len(p.bio.out)
}

// Close terminates the handshake goroutine, if any, and closes the socket.
func (p *tlsPipe) Close() error {
	if p.started && !p.finished {
		p.bio.resume <- net.ErrClosed
		p.err = <-p.done
		p.bio.handshaking = false
		p.finished = true
	}
	return p.conn.Close()
}

// tlsBIO is the [net.Conn] seen by the [TLSEngine].
type tlsBIO struct {
	// Conn is the underlying non-blocking [Socket], possibly wrapped.
	net.Conn

	// handshaking is true while the handshake goroutine owns the bio.
	handshaking bool

	// out contains records waiting to be written.
	out []byte

	// resume wakes up the parked handshake goroutine.
	resume chan error

	// wantRead is signalled when the handshake goroutine parks.
	wantRead chan struct{}
}

// Read implements [net.Conn].
func (b *tlsBIO) Read(buf []byte) (int, error) {
	for {
		count, err := b.Conn.Read(buf)
		if !b.handshaking || !errors.Is(err, ErrWouldBlock) {
			return count, err
		}
		b.wantRead <- struct{}{}
		if err := <-b.resume; err != nil {
			return 0, err
		}
	}
}

// Write implements [net.Conn].
func (b *tlsBIO) Write(data []byte) (int, error) {
	b.out = append(b.out, data...)
	return len(data), nil
}

// Close implements [net.Conn]. Pending records are written best effort.
func (b *tlsBIO) Close() error {
	_ = b.flush()
	return b.Conn.Close()
}

// SetDeadline implements [net.Conn].
func (b *tlsBIO) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline implements [net.Conn].
func (b *tlsBIO) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (b *tlsBIO) SetWriteDeadline(t time.Time) error {
	return nil
}

func (b *tlsBIO) flush() error {
	for len(b.out) > 0 {
		count, err := b.Conn.Write(b.out)
		b.out = b.out[:copy(b.out, b.out[count:])]
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}
