// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// errNoProgress indicates that requests are outstanding but nothing
// can make them progress.
var errNoProgress = errors.New("httpcore: no channel can make progress")

// errDuplicateRequest indicates a request passed more than once to [*Client.Do].
var errDuplicateRequest = errors.New("httpcore: duplicate request")

// Client sends HTTP requests using [*Channel] and resolves hostnames using
// a [*Resolver]. A single goroutine drives all the channels of a call to
// [*Client.Do] by polling their descriptors.
//
// A Client is not safe for concurrent use. The caller is responsible for
// calling [*Client.Close] when done.
//
// Construct using [NewClient].
type Client struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewClient] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewClient] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewClient] from [Config.TimeNow].
	TimeNow func() time.Time

	cfg      *Config
	resolver *Resolver
	sessions *tlsSessionCache
}

// NewClient creates a new [*Client].
//
// The cfg argument contains the common configuration for httpcore operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewClient(cfg *Config, logger SLogger) (*Client, error) {
	resolver, err := NewResolver(cfg, logger)
	if err != nil {
		return nil, err
	}
	sessions := newTLSSessionCache(cfg.TLS.SessionTimeout, cfg.TimeNow)
	resolver.SessionCache = sessions
	return &Client{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		cfg:           cfg,
		resolver:      resolver,
		sessions:      sessions,
	}, nil
}

// Resolver returns the [*Resolver] used by the client.
func (c *Client) Resolver() *Resolver {
	return c.resolver
}

// Close closes the resolver channel.
func (c *Client) Close() error {
	return c.resolver.Close()
}

// Do sends the requests and returns exactly one [Result] per request, in
// the same order. Requests sharing an origin share a [*Channel].
//
// Per-call timeouts set with [ContextWithTimeoutPolicy] are merged over
// [Config.Timeouts]. When ctx is done the outstanding requests fail with
// the context error.
func (c *Client) Do(ctx context.Context, reqs ...*http.Request) []Result {
	logger := withSpanID(c.Logger, NewSpanID())
	policy := c.cfg.Timeouts
	if override, found := TimeoutPolicyFromContext(ctx); found {
		policy = policy.Merge(override)
	}
	t0 := c.TimeNow()
	logger.Info("clientDoStart", slog.Int("requests", len(reqs)), slog.Time("t", t0))

	run := &clientRun{
		client:  c,
		conns:   map[*Connection]bool{},
		ctx:     ctx,
		done:    make([]bool, len(reqs)),
		index:   map[*http.Request]int{},
		logger:  logger,
		results: make([]Result, len(reqs)),
	}
	run.start(reqs, policy)
	run.loop()

	var failed int
	for _, res := range run.results {
		if res.Err != nil {
			failed++
		}
	}
	logger.Info(
		"clientDoDone",
		slog.Int("requests", len(reqs)),
		slog.Int("failed", failed),
		slog.Time("t0", t0),
		slog.Time("t", c.TimeNow()),
	)
	return run.results
}

// clientRun is the state of a single [*Client.Do] call.
type clientRun struct {
	client      *Client
	conns       map[*Connection]bool
	ctx         context.Context
	done        []bool
	index       map[*http.Request]int
	logger      SLogger
	order       []*Connection
	outstanding int
	results     []Result
}

// pollTarget is a channel polled in the current iteration. A nil conn
// identifies the resolver channel.
type pollTarget struct {
	ch   *Channel
	conn *Connection
}

func (r *clientRun) start(reqs []*http.Request, policy TimeoutPolicy) {
	byOrigin := map[string]*Connection{}
	for idx, req := range reqs {
		if req == nil {
			r.results[idx], r.done[idx] = Result{Err: fmt.Errorf("%w: nil request", ErrUnsupportedURL)}, true
			continue
		}
		if _, found := r.index[req]; found {
			r.results[idx], r.done[idx] = Result{Request: req, Err: errDuplicateRequest}, true
			continue
		}
		r.index[req] = idx
		r.outstanding++
		conn, err := newConnection(req.URL, policy)
		if err != nil {
			r.record(Result{Request: req, Err: err})
			continue
		}
		key := conn.Origin().String()
		if existing, found := byOrigin[key]; found {
			conn = existing
		} else {
			byOrigin[key] = conn
			r.conns[conn] = true
			r.order = append(r.order, conn)
		}
		conn.requests = append(conn.requests, req)
	}
	for _, conn := range r.order {
		r.resolved(r.client.resolver.Resolve(r.ctx, conn))
	}
}

// resolved opens channels for resolved connections and fails the others.
func (r *clientRun) resolved(resolutions []Resolution) {
	for _, res := range resolutions {
		conn := res.Conn
		if !r.conns[conn] {
			continue
		}
		if res.Err != nil {
			r.failAll(conn.requests, res.Err)
			continue
		}
		conn.setAddrs(res.Addrs)
		if err := r.open(conn, conn.requests); err != nil {
			r.failAll(conn.requests, err)
		}
	}
}

// open sends reqs on a new channel towards the next address of conn that
// does not fail immediately. It returns the last error when none is left.
func (r *clientRun) open(conn *Connection, reqs []*http.Request) error {
	err := error(&ConnectError{Addr: conn.Origin().Host, Err: errResolverNoAddrs})
	for {
		addr, found := conn.nextAddr()
		if !found {
			return err
		}
		ch := NewChannel(r.client.cfg, conn.Origin(), addr, conn.policy, r.logger)
		ch.SessionCache = r.client.sessions
		conn.channel = ch
		for _, req := range reqs {
			ch.Send(req)
		}
		err = ch.Connect()
		if err == nil || errors.Is(err, ErrWouldBlock) {
			return nil
		}
		reqs = ch.Detach()
		var cerr *ConnectError
		if !errors.As(err, &cerr) {
			return err
		}
	}
}

func (r *clientRun) record(res Result) {
	idx, found := r.index[res.Request]
	if !found || r.done[idx] {
		return
	}
	r.results[idx], r.done[idx] = res, true
	r.outstanding--
}

func (r *clientRun) failAll(reqs []*http.Request, err error) {
	for _, req := range reqs {
		r.record(Result{Request: req, Err: err})
	}
}

// deliver routes results to the resolver or to the caller.
func (r *clientRun) deliver(target pollTarget, results []Result) {
	if target.conn == nil {
		r.resolved(r.client.resolver.HandleResults(results))
		return
	}
	for _, res := range results {
		r.record(res)
	}
}

func (r *clientRun) loop() {
	wakeFd := -1
	if r.ctx.Done() != nil {
		if rfile, wfile, err := os.Pipe(); err == nil {
			defer rfile.Close()
			defer wfile.Close()
			stop := context.AfterFunc(r.ctx, func() {
				wfile.Write([]byte{0})
			})
			defer stop()
			wakeFd = int(rfile.Fd())
		}
	}

	for r.outstanding > 0 {
		if err := r.ctx.Err(); err != nil {
			r.abort(err)
			break
		}
		if err := r.step(wakeFd); err != nil {
			r.abort(err)
			break
		}
	}

	for _, conn := range r.order {
		r.client.resolver.Cancel(conn)
		if conn.channel != nil {
			r.deliver(pollTarget{ch: conn.channel, conn: conn}, conn.channel.Close())
		}
	}
}

// current returns the open channels: the resolver channel first.
func (r *clientRun) current() (targets []pollTarget) {
	if ch := r.client.resolver.Channel(); ch != nil {
		targets = append(targets, pollTarget{ch: ch})
	}
	for _, conn := range r.order {
		if ch := conn.channel; ch != nil && ch.State() != ChannelClosed {
			targets = append(targets, pollTarget{ch: ch, conn: conn})
		}
	}
	return
}

// targets collects the channels to poll, closes the finished ones, fails
// the expired ones, and returns the earliest deadline. Channels opened
// while doing that are processed as well.
func (r *clientRun) targets(now time.Time) ([]pollTarget, time.Time) {
	var deadline time.Time
	earliest := func(t time.Time) {
		if !t.IsZero() && (deadline.IsZero() || t.Before(deadline)) {
			deadline = t
		}
	}

	r.resolved(r.client.resolver.Expire(now))
	seen := map[*Channel]bool{}
	for progress := true; progress; {
		progress = false
		for _, target := range r.current() {
			if seen[target.ch] {
				continue
			}
			seen[target.ch], progress = true, true
			earliest(r.prepare(target, now))
		}
	}
	earliest(r.client.resolver.NextDeadline())
	earliest(r.ctxDeadline())
	return r.current(), deadline
}

// prepare collects the results produced outside of polling and enforces
// the channel timeout. It returns the channel deadline, if any.
func (r *clientRun) prepare(target pollTarget, now time.Time) time.Time {
	ch := target.ch
	r.deliver(target, ch.TakeResults())
	if target.conn != nil && r.finished(target.conn) {
		r.deliver(target, ch.Close())
		return time.Time{}
	}
	if ch.State() == ChannelClosed || (ch.Ready() && ch.Idle()) {
		return time.Time{}
	}
	deadline, err := ch.CheckTimeout(now)
	if err != nil {
		r.logger.Info(
			"channelTimeout",
			slog.Any("err", err),
			slog.String("errClass", r.client.ErrClassifier.Classify(err)),
			slog.String("remoteAddr", ch.Addr().String()),
		)
		r.expired(target, err)
		return time.Time{}
	}
	return deadline
}

func (r *clientRun) ctxDeadline() time.Time {
	deadline, _ := r.ctx.Deadline()
	return deadline
}

// expired handles a channel whose timeout expired.
func (r *clientRun) expired(target pollTarget, err error) {
	if target.ch.Ready() {
		r.deliver(target, target.ch.CloseWithError(err))
		return
	}
	r.connectFailed(target, &ConnectError{Addr: target.ch.Addr().String(), Err: err})
}

// finished returns whether every request of conn has a result.
func (r *clientRun) finished(conn *Connection) bool {
	for _, req := range conn.requests {
		if !r.done[r.index[req]] {
			return false
		}
	}
	return true
}

func (r *clientRun) step(wakeFd int) error {
	now := r.client.TimeNow()
	targets, deadline := r.targets(now)
	if r.outstanding <= 0 {
		return nil
	}
	if len(targets) <= 0 {
		return errNoProgress
	}

	byFd := map[int]pollTarget{}
	var reqs []PollRequest
	for _, target := range targets {
		fd := target.ch.Fd()
		if fd < 0 {
			continue
		}
		byFd[fd] = target
		reqs = append(reqs, PollRequest{Fd: fd, Interest: target.ch.Interest()})
	}
	if wakeFd >= 0 {
		reqs = append(reqs, PollRequest{Fd: wakeFd, Interest: InterestRead})
	}

	var wait time.Duration
	if !deadline.IsZero() {
		wait = max(deadline.Sub(now), time.Millisecond)
	}
	events, err := r.client.cfg.Poller.Poll(reqs, wait)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if target, found := byFd[ev.Fd]; found {
			r.service(target, ev)
		}
	}
	return nil
}

// service makes progress on a channel that the poller reported as ready.
func (r *clientRun) service(target pollTarget, ev PollResult) {
	ch := target.ch
	if !ch.Ready() {
		err := ch.Connect()
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		if err != nil {
			r.connectFailed(target, err)
			return
		}
	}
	if ev.Writable || !ch.Empty() {
		if err := ch.Write(); err != nil {
			r.deliver(target, ch.CloseWithError(err))
			return
		}
	}
	if ev.Readable {
		results, err := ch.Read()
		r.deliver(target, results)
		if errors.Is(err, io.EOF) {
			r.peerClosed(target)
		}
	}
}

// peerClosed handles a channel whose peer closed the connection.
//
// Requests still queued behind a response that asked to close the
// connection are sent again for free; requests in flight are sent again
// up to [Config.MaxReconnects] times.
func (r *clientRun) peerClosed(target pollTarget) {
	ch := target.ch
	if ch.State() == ChannelClosed {
		return
	}
	if ch.Idle() {
		r.deliver(target, ch.Close())
		return
	}
	reconnects := &r.client.resolver.reconnects
	if target.conn != nil {
		reconnects = &target.conn.reconnects
	}
	if ch.InFlight() > 0 {
		if *reconnects >= r.client.cfg.MaxReconnects {
			r.deliver(target, ch.CloseWithError(io.ErrUnexpectedEOF))
			return
		}
		*reconnects++
	}
	if err := ch.Reconnect(); err != nil && !errors.Is(err, ErrWouldBlock) {
		r.connectFailed(target, err)
	}
}

// connectFailed moves the requests of a channel that failed to connect to
// the next address, or fails them.
func (r *clientRun) connectFailed(target pollTarget, err error) {
	if target.conn == nil {
		r.resolved(r.client.resolver.HandleConnectError(err))
		return
	}
	conn := target.conn
	reqs := conn.channel.Detach()
	r.deliver(target, conn.channel.TakeResults())
	var cerr *ConnectError
	if errors.As(err, &cerr) {
		err = r.open(conn, reqs)
		if err == nil {
			return
		}
	}
	r.failAll(reqs, err)
}

// abort fails every outstanding request with err.
func (r *clientRun) abort(err error) {
	for _, conn := range r.order {
		r.client.resolver.Cancel(conn)
		if conn.channel != nil {
			r.deliver(pollTarget{ch: conn.channel, conn: conn}, conn.channel.CloseWithError(err))
		}
		r.failAll(conn.requests, err)
	}
}
