// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// http1Request is a queued HTTP/1.1 request.
type http1Request struct {
	body []byte
	req  *http.Request
}

// http1Processor implements [processor] for HTTP/1.1.
//
// One request is in flight at a time. The remaining ones wait in FIFO
// order. A response carrying "Connection: close" stops reuse: queued
// requests stay queued until [*http1Processor.Reenqueue].
type http1Processor struct {
	closing  bool
	in       []byte
	inflight *http1Request
	logger   SLogger
	queue    []*http1Request
}

var _ processor = &http1Processor{}

func newHTTP1Processor(logger SLogger) *http1Processor {
	return &http1Processor{logger: logger}
}

func (p *http1Processor) isProcessor() {}

// Protocol implements [processor].
func (p *http1Processor) Protocol() string {
	return "http/1.1"
}

// Send implements [processor].
func (p *http1Processor) Send(req *http.Request) []Event {
	body, err := bufferRequestBody(req)
	if err != nil {
		return failedResults([]*http.Request{req}, err)
	}
	p.queue = append(p.queue, &http1Request{body: body, req: req})
	return p.next()
}

func (p *http1Processor) next() []Event {
	if p.inflight != nil || p.closing || len(p.queue) <= 0 {
		return nil
	}
	r := p.queue[0]
	p.queue = p.queue[1:]
	if r.body != nil {
		r.req.Body = io.NopCloser(bytes.NewReader(r.body))
	}
	var buf bytes.Buffer
	if err := r.req.Write(&buf); err != nil {
		return append(failedResults([]*http.Request{r.req}, err), p.next()...)
	}
	p.inflight = r
	return []Event{FrameReady{Data: buf.Bytes()}}
}

// Feed implements [processor].
func (p *http1Processor) Feed(data []byte) ([]Event, error) {
	p.in = append(p.in, data...)
	var events []Event
	for len(p.in) > 0 {
		if p.inflight == nil {
			return events, &ProtocolDecodeError{Err: errors.New("unexpected data without a request in flight")}
		}
		resp, body, consumed, err := p.parse(false)
		if err != nil {
			return events, &ProtocolDecodeError{Err: err}
		}
		if resp == nil {
			break
		}
		p.in = p.in[consumed:]
		events = append(events, p.deliver(resp, body)...)
	}
	return events, nil
}

// parse attempts to parse a complete response from the input buffer. It
// returns a nil response when more data is needed. Informational responses
// are skipped. When eof is true, close-delimited bodies end at the end of
// the input.
func (p *http1Processor) parse(eof bool) (*http.Response, []byte, int, error) {
	var skipped int
	for {
		input := p.in[skipped:]
		if !http1HeadComplete(input) {
			return nil, nil, 0, nil
		}
		reader := bytes.NewReader(input)
		bufr := bufio.NewReader(reader)
		resp, err := http.ReadResponse(bufr, p.inflight.req)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, nil, 0, nil
		}
		if err != nil {
			return nil, nil, 0, err
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			skipped += len(input) - reader.Len() - bufr.Buffered()
			continue
		}
		if !eof && resp.ContentLength < 0 && len(resp.TransferEncoding) <= 0 && http1BodyAllowed(p.inflight.req, resp) {
			return nil, nil, 0, nil
		}
		body, err := io.ReadAll(resp.Body)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, 0, nil
		}
		if err != nil {
			return nil, nil, 0, err
		}
		return resp, body, skipped + len(input) - reader.Len() - bufr.Buffered(), nil
	}
}

// http1BodyAllowed returns false for responses that never carry a body.
func http1BodyAllowed(req *http.Request, resp *http.Response) bool {
	switch {
	case req.Method == http.MethodHead:
		return false
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified:
		return false
	default:
		return true
	}
}

// http1HeadComplete returns true if input contains the end of the
// response head.
func http1HeadComplete(input []byte) bool {
	return bytes.Contains(input, []byte("\r\n\r\n")) || bytes.Contains(input, []byte("\n\n"))
}

func (p *http1Processor) deliver(resp *http.Response, body []byte) []Event {
	req := p.inflight.req
	p.inflight = nil
	if resp.Close {
		p.closing = true
	}
	p.logger.Debug(
		"http1ResponseReady",
		slog.String("httpUrl", req.URL.String()),
		slog.Int("httpResponseStatusCode", resp.StatusCode),
		slog.Bool("httpConnectionClose", resp.Close),
	)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if resp.ContentLength < 0 {
		resp.ContentLength = int64(len(body))
	}
	events := []Event{
		HeadersReceived{StreamID: 1, Status: resp.StatusCode, Header: resp.Header},
		DataReceived{StreamID: 1, Data: body},
		StreamClosed{StreamID: 1},
		ResponseReady{Result: Result{Request: req, Response: resp}},
	}
	return append(events, p.next()...)
}

// EOF implements [processor].
//
// A response whose body is delimited by the connection close completes here.
func (p *http1Processor) EOF() []Event {
	p.closing = true
	if p.inflight == nil || len(p.in) <= 0 {
		return nil
	}
	resp, body, consumed, err := p.parse(true)
	if err != nil || resp == nil {
		return nil
	}
	p.in = p.in[consumed:]
	return p.deliver(resp, body)
}

// Close implements [processor].
func (p *http1Processor) Close(cause error) []Event {
	return failedResults(p.Drain(), cause)
}

// Reenqueue implements [processor].
func (p *http1Processor) Reenqueue() []Event {
	var all []*http1Request
	if p.inflight != nil {
		all = append(all, p.inflight)
	}
	all = append(all, p.queue...)
	p.in, p.inflight, p.closing, p.queue = nil, nil, false, all
	return p.next()
}

// Drain implements [processor].
func (p *http1Processor) Drain() []*http.Request {
	var reqs []*http.Request
	if p.inflight != nil {
		reqs = append(reqs, p.inflight.req)
	}
	for _, r := range p.queue {
		reqs = append(reqs, r.req)
	}
	p.in, p.inflight, p.queue = nil, nil, nil
	return reqs
}

// Empty implements [processor].
func (p *http1Processor) Empty() bool {
	return p.inflight == nil && len(p.queue) <= 0
}

// InFlight implements [processor].
func (p *http1Processor) InFlight() int {
	if p.inflight != nil {
		return 1
	}
	return 0
}
