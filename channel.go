// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/bassosimone/runtimex"
)

// ChannelState is the lifecycle state of a [*Channel].
type ChannelState int

const (
	ChannelIdle ChannelState = iota
	ChannelConnecting
	ChannelConnected
	ChannelNegotiated
	ChannelClosed
)

// String implements [fmt.Stringer].
func (s ChannelState) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	case ChannelNegotiated:
		return "negotiated"
	default:
		return "closed"
	}
}

// NewChannel returns a new idle [*Channel] towards addr for the given origin.
//
// The origin scheme selects TLS ("https") or plaintext ("http").
//
// The cfg argument contains the common configuration for httpcore operations.
//
// The policy argument is the [TimeoutPolicy] of this channel.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewChannel(cfg *Config, origin *url.URL, addr netip.AddrPort, policy TimeoutPolicy, logger SLogger) *Channel {
	runtimex.Assert(origin != nil)
	return &Channel{
		BufferSize:    cfg.BufferSize,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		SocketDialer:  cfg.SocketDialer,
		TLS:           cfg.TLS,
		TimeNow:       cfg.TimeNow,
		addr:          addr,
		cfg:           cfg,
		origin:        origin,
		policy:        policy,
		state:         ChannelIdle,
		timeout:       NewTimeout(cfg, policy, logger),
	}
}

// Channel is a non-blocking connection to an origin carrying HTTP/1.1 or
// HTTP/2 requests.
//
// Connect, Read, and Write never block: they make as much progress as
// possible and then report the [Interest] to wait for. Responses and
// failures are returned as [Result] values, exactly one per request.
//
// A Channel is not safe for concurrent use.
//
// Fields are safe to modify after construction but before [*Channel.Connect].
type Channel struct {
	// BufferSize is the size of the read buffer.
	//
	// Set by [NewChannel] from [Config.BufferSize].
	BufferSize int

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewChannel] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewChannel] to the user-provided logger.
	Logger SLogger

	// SessionCache caches TLS sessions; nil disables resumption.
	SessionCache tls.ClientSessionCache

	// SocketDialer creates the socket.
	//
	// Set by [NewChannel] from [Config.SocketDialer].
	SocketDialer SocketDialer

	// TLS configures TLS for https origins.
	//
	// Set by [NewChannel] from [Config.TLS].
	TLS TLSOptions

	// TimeNow is the function to get the current time.
	//
	// Set by [NewChannel] from [Config.TimeNow].
	TimeNow func() time.Time

	activity  time.Time
	addr      netip.AddrPort
	backlog   []Result
	cfg       *Config
	conn      net.Conn
	interest  Interest
	origin    *url.URL
	pending   []*http.Request
	policy    TimeoutPolicy
	proc      processor
	protocol  string
	readBuf   []byte
	sock      Socket
	state     ChannelState
	t0        time.Time
	timeout   *Timeout
	tls       *tlsPipe
	tlsParams *tlsClientParams
	writeBuf  []byte
}

// Addr returns the remote address.
func (c *Channel) Addr() netip.AddrPort {
	return c.addr
}

// Origin returns the origin URL.
func (c *Channel) Origin() *url.URL {
	return c.origin
}

// State returns the current [ChannelState].
func (c *Channel) State() ChannelState {
	return c.state
}

// Interest returns the readiness the channel is waiting for.
func (c *Channel) Interest() Interest {
	return c.interest
}

// Protocol returns the negotiated protocol or an empty string.
func (c *Channel) Protocol() string {
	return c.protocol
}

// Fd returns the descriptor to poll or -1 when there is none.
func (c *Channel) Fd() int {
	if c.sock == nil || c.state == ChannelClosed {
		return -1
	}
	return c.sock.Fd()
}

// Timeout returns the [*Timeout] of this channel.
func (c *Channel) Timeout() *Timeout {
	return c.timeout
}

// Ready returns true once requests can be written.
func (c *Channel) Ready() bool {
	return c.state == ChannelNegotiated || (c.state == ChannelConnected && c.tls == nil)
}

// Connect starts or resumes connecting. It returns nil once the channel
// is ready, [ErrWouldBlock] while in progress, a [*ConnectError] if the
// connection failed, or a [*TLSError] if TLS failed.
//
// A failed channel must be closed by the caller.
func (c *Channel) Connect() error {
	switch c.state {
	case ChannelClosed:
		return ErrChannelClosed

	case ChannelIdle:
		sock, err := c.SocketDialer.NewSocket(c.addr)
		if err != nil {
			return &ConnectError{Addr: c.addr.String(), Err: err}
		}
		c.sock = sock
		c.conn = NewObserveConnFunc(c.cfg, c.Logger).wrap(sock)
		c.setState(ChannelConnecting)
		c.t0 = c.TimeNow()
		c.activity = c.t0
		c.logConnectStart()
		fallthrough

	case ChannelConnecting:
		err := c.sock.Connect()
		if errors.Is(err, ErrWouldBlock) {
			c.interest = InterestWrite
			return ErrWouldBlock
		}
		c.logConnectDone(err)
		if err != nil {
			return &ConnectError{Addr: c.addr.String(), Err: err}
		}
		c.activity = c.TimeNow()
		c.setState(ChannelConnected)
		if c.origin.Scheme != "https" {
			c.protocol = "http/1.1"
			c.becomeReady()
			return nil
		}
		c.startTLS()
		fallthrough

	case ChannelConnected:
		if c.Ready() {
			return nil
		}
		interest, err := c.tls.Handshake()
		if errors.Is(err, ErrWouldBlock) {
			c.interest = interest
			c.activity = c.TimeNow()
			return ErrWouldBlock
		}
		return c.finishTLS(err)

	default:
		return nil
	}
}

func (c *Channel) startTLS() {
	c.tlsParams = newTLSClientParams(&c.TLS, c.origin.Hostname(), c.SessionCache, c.TimeNow)
	engine := c.TLS.Engine
	if engine == nil {
		engine = TLSEngineStdlib{}
	}
	c.tls = newTLSPipe(c.conn, engine, c.tlsParams.Config)
	c.t0 = c.TimeNow()
	c.tlsLogContext(engine).logStart(c.t0, time.Time{})
}

func (c *Channel) finishTLS(err error) error {
	engine := c.TLS.Engine
	if engine == nil {
		engine = TLSEngineStdlib{}
	}
	state := c.tls.ConnectionState()
	if err == nil {
		err = tlsVerifyPeer(c.tlsParams, state, c.TimeNow())
	}
	c.tlsLogContext(engine).logDone(c.t0, time.Time{}, err, state)
	if err != nil {
		var terr *TLSError
		if !errors.As(err, &terr) {
			err = &TLSError{Err: err}
		}
		return err
	}
	c.protocol = state.NegotiatedProtocol
	if c.protocol == "" {
		c.protocol = "http/1.1"
	}
	c.setState(ChannelNegotiated)
	c.becomeReady()
	return nil
}

func (c *Channel) tlsLogContext(engine TLSEngine) *tlsHandshakeLogContext {
	return &tlsHandshakeLogContext{
		Config:        c.tlsParams.Config,
		Conn:          c.conn,
		Engine:        engine,
		ErrClassifier: c.ErrClassifier,
		Logger:        c.Logger,
		TimeNow:       c.TimeNow,
	}
}

// becomeReady binds the processor and submits the requests that
// were waiting for the connection.
func (c *Channel) becomeReady() {
	c.timeout.Open()
	c.activity = c.TimeNow()
	c.readBuf = make([]byte, max(c.BufferSize, 1))

	if c.proc != nil {
		if c.proc.Protocol() == c.protocol {
			c.backlog = append(c.backlog, c.handle(c.proc.Reenqueue())...)
		} else {
			reqs := c.proc.Drain()
			c.proc = nil
			c.pending = append(reqs, c.pending...)
		}
	}

	pending := c.pending
	c.pending = nil
	for _, req := range pending {
		c.send(req)
	}
	c.updateInterest()
}

// Send submits a request. Before the channel is ready the request waits
// in a queue. Requests sent to a closed channel fail with [ErrChannelClosed].
func (c *Channel) Send(req *http.Request) {
	switch {
	case c.state == ChannelClosed:
		c.backlog = append(c.backlog, Result{Request: req, Err: ErrChannelClosed})
	case !c.Ready():
		c.pending = append(c.pending, req)
	default:
		c.send(req)
		c.updateInterest()
	}
}

func (c *Channel) send(req *http.Request) {
	c.bind()
	c.backlog = append(c.backlog, c.handle(c.proc.Send(req))...)
}

// bind binds the processor for the negotiated protocol, if needed.
func (c *Channel) bind() {
	if c.proc != nil {
		return
	}
	c.proc = newProcessor(c.protocol, c.Logger)
	c.Logger.Debug(
		"channelBindProcessor",
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.addr.String()),
	)
}

// TakeResults returns and clears the results produced outside of
// [*Channel.Read] (for example by [*Channel.Send]).
func (c *Channel) TakeResults() []Result {
	results := c.backlog
	c.backlog = nil
	return results
}

// Read reads from the socket until it would block, handing every chunk to
// the processor, and returns the completed results.
//
// When the peer closes the connection, Read returns [io.EOF] and leaves the
// channel open so that the caller may [*Channel.Reconnect] or
// [*Channel.Close]. Any other error is fatal: the channel closes and the
// results include a failure for every request it carried.
func (c *Channel) Read() ([]Result, error) {
	results := c.TakeResults()
	if !c.Ready() {
		return results, nil
	}
	for {
		count, err := c.read(c.readBuf)
		if count > 0 {
			c.activity = c.TimeNow()
			events, perr := c.proc.Feed(c.readBuf[:count])
			results = append(results, c.handle(events)...)
			if perr != nil {
				return append(results, c.CloseWithError(perr)...), perr
			}
		}
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if errors.Is(err, io.EOF) {
			if c.proc != nil {
				results = append(results, c.handle(c.proc.EOF())...)
			}
			return results, io.EOF
		}
		if err != nil {
			return append(results, c.CloseWithError(err)...), err
		}
	}
	c.updateInterest()
	return results, nil
}

func (c *Channel) read(buf []byte) (int, error) {
	c.bind()
	if c.tls != nil {
		return c.tls.Read(buf)
	}
	return c.conn.Read(buf)
}

// Write writes buffered bytes until the buffer is empty or the socket
// would block. A non-nil error is fatal and the caller must close the
// channel using [*Channel.CloseWithError].
func (c *Channel) Write() error {
	if !c.Ready() {
		return nil
	}
	before := c.buffered()
	var err error
	if c.tls != nil {
		err = c.tls.Flush()
	} else {
		err = c.flushPlain()
	}
	if c.buffered() < before {
		c.activity = c.TimeNow()
	}
	c.updateInterest()
	return err
}

func (c *Channel) buffered() int {
	if c.tls != nil {
		return c.tls.Pending()
	}
	return len(c.writeBuf)
}

func (c *Channel) flushPlain() error {
	for len(c.writeBuf) > 0 {
		count, err := c.conn.Write(c.writeBuf)
		c.writeBuf = c.writeBuf[:copy(c.writeBuf, c.writeBuf[count:])]
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CheckTimeout returns the time by which the channel must make progress
// or the zero time when no timeout applies. It returns a [*TimeoutError]
// when that time is not after now or when the total budget is exhausted.
func (c *Channel) CheckTimeout(now time.Time) (time.Time, error) {
	active, err := c.timeout.Active()
	if err != nil || active <= 0 {
		return time.Time{}, err
	}
	op, deadline := c.timeout.Op(), c.activity.Add(active)
	if c.timeout.Phase() <= 0 {
		op, deadline = "total", now.Add(active)
	}
	if now.Before(deadline) {
		return deadline, nil
	}
	return deadline, &TimeoutError{Op: op, Duration: active}
}

// Empty returns true when no bytes are waiting to be written.
func (c *Channel) Empty() bool {
	return len(c.writeBuf) <= 0 && (c.tls == nil || c.tls.Pending() <= 0)
}

// Idle returns true when no request is queued or in flight.
func (c *Channel) Idle() bool {
	return len(c.pending) <= 0 && (c.proc == nil || c.proc.Empty())
}

// InFlight returns the number of requests written but not yet answered.
func (c *Channel) InFlight() int {
	if c.proc == nil {
		return 0
	}
	return c.proc.InFlight()
}

func (c *Channel) updateInterest() {
	if c.Empty() {
		c.interest = InterestRead
		return
	}
	c.interest = InterestWrite
}

// handle consumes processor events and returns the completed results.
func (c *Channel) handle(events []Event) (results []Result) {
	for _, ev := range events {
		switch e := ev.(type) {
		case FrameReady:
			c.enqueue(e.Data)
		case ResponseReady:
			results = append(results, e.Result)
		case HeadersReceived:
			c.Logger.Debug(
				"httpHeadersReceived",
				slog.Uint64("streamID", uint64(e.StreamID)),
				slog.Int("httpResponseStatusCode", e.Status),
				slog.Any("httpResponseHeaders", e.Header),
			)
		case DataReceived:
			c.Logger.Debug(
				"httpDataReceived",
				slog.Uint64("streamID", uint64(e.StreamID)),
				slog.Int("ioBytesCount", len(e.Data)),
			)
		case StreamClosed:
			c.Logger.Debug(
				"httpStreamClosed",
				slog.Uint64("streamID", uint64(e.StreamID)),
				slog.Any("err", e.Err),
				slog.String("errClass", c.ErrClassifier.Classify(e.Err)),
			)
		}
	}
	return
}

func (c *Channel) enqueue(data []byte) {
	if c.tls != nil {
		c.tls.Write(data)
		return
	}
	c.writeBuf = append(c.writeBuf, data...)
}

// Close closes the channel and returns an [ErrChannelClosed] result for
// every queued or in-flight request.
func (c *Channel) Close() []Result {
	return c.CloseWithError(ErrChannelClosed)
}

// CloseWithError is like [*Channel.Close] but uses cause for the results.
//
// The goodbye bytes of the protocol, if any, are written best effort.
func (c *Channel) CloseWithError(cause error) []Result {
	results := c.TakeResults()
	if c.state == ChannelClosed {
		return results
	}
	if c.proc != nil {
		results = append(results, c.handle(c.proc.Close(cause))...)
		if c.Ready() {
			_ = c.Write()
		}
	}
	results = append(results, resultsWithError(c.pending, cause)...)
	c.pending = nil
	c.closeTransport()
	c.setState(ChannelClosed)
	return results
}

// Detach closes the transport without failing any request and returns
// the requests the channel carried in submission order, so that they can
// be sent on another channel.
func (c *Channel) Detach() []*http.Request {
	var reqs []*http.Request
	if c.proc != nil {
		reqs = c.proc.Drain()
		c.proc = nil
	}
	reqs = append(reqs, c.pending...)
	c.pending = nil
	c.closeTransport()
	c.setState(ChannelClosed)
	return reqs
}

func (c *Channel) closeTransport() {
	switch {
	case c.tls != nil:
		c.tls.Close()
	case c.conn != nil:
		c.conn.Close()
	}
	c.tls, c.conn, c.writeBuf = nil, nil, nil
}

// Reconnect re-establishes the connection after the peer closed it, keeping
// the requests in flight. They are written again once the new connection is
// ready, in the order they were originally sent. The return value has the
// same meaning as for [*Channel.Connect].
func (c *Channel) Reconnect() error {
	runtimex.Assert(c.state != ChannelClosed)
	c.Logger.Info(
		"channelReconnect",
		slog.String("remoteAddr", c.addr.String()),
		slog.String("protocol", c.protocol),
		slog.Int("inFlight", c.InFlight()),
	)
	c.closeTransport()
	c.protocol = ""
	c.sock = nil
	c.tlsParams = nil
	c.timeout = NewTimeout(c.cfg, c.policy, c.Logger)
	c.setState(ChannelIdle)
	return c.Connect()
}

func (c *Channel) setState(state ChannelState) {
	c.Logger.Debug(
		"channelStateChange",
		slog.String("from", c.state.String()),
		slog.String("to", state.String()),
		slog.String("remoteAddr", c.addr.String()),
	)
	c.state = state
}

func (c *Channel) logConnectStart() {
	c.Logger.Info(
		"connectStart",
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", c.addr.String()),
		slog.Time("t", c.t0),
	)
}

func (c *Channel) logConnectDone(err error) {
	var laddr string
	if err == nil {
		laddr = c.sock.LocalAddr().String()
	}
	c.Logger.Info(
		"connectDone",
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("localAddr", laddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", c.addr.String()),
		slog.Time("t0", c.t0),
		slog.Time("t", c.TimeNow()),
	)
}

func resultsWithError(reqs []*http.Request, err error) (results []Result) {
	for _, req := range reqs {
		results = append(results, Result{Request: req, Err: err})
	}
	return
}
