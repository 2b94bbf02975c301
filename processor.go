// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"bytes"
	"io"
	"net/http"
)

// Result is the outcome of a request: either a response or an error.
type Result struct {
	// Request is the request that produced this result.
	Request *http.Request

	// Response is the response, if Err is nil. The body is fully buffered.
	Response *http.Response

	// Err is the error that prevented the response.
	Err error
}

// Event is emitted by a protocol processor and consumed by [*Channel].
type Event interface {
	isEvent()
}

// FrameReady contains bytes to append to the channel write buffer.
type FrameReady struct {
	Data []byte
}

// HeadersReceived is emitted when the final response headers arrive.
type HeadersReceived struct {
	StreamID uint32
	Status   int
	Header   http.Header
}

// DataReceived is emitted for each chunk of response body.
type DataReceived struct {
	StreamID uint32
	Data     []byte
}

// StreamClosed is emitted when a stream completes or fails.
type StreamClosed struct {
	StreamID uint32
	Err      error
}

// ResponseReady carries a complete [Result].
type ResponseReady struct {
	Result Result
}

func (FrameReady) isEvent()      {}
func (HeadersReceived) isEvent() {}
func (DataReceived) isEvent()    {}
func (StreamClosed) isEvent()    {}
func (ResponseReady) isEvent()   {}

// processor is a protocol state machine bound to a [*Channel].
//
// The set of implementations is closed: [*http1Processor] and [*http2Processor].
type processor interface {
	// Protocol returns the ALPN identifier.
	Protocol() string

	// Send submits a request.
	Send(req *http.Request) []Event

	// Feed processes bytes read from the peer.
	Feed(data []byte) ([]Event, error)

	// EOF tells the processor that the peer closed the connection.
	EOF() []Event

	// Close fails every request with cause and emits the goodbye bytes.
	Close(cause error) []Event

	// Reenqueue resubmits every request on a fresh connection.
	Reenqueue() []Event

	// Drain removes and returns every request in creation order.
	Drain() []*http.Request

	// Empty returns true if no request is queued or in flight.
	Empty() bool

	// InFlight returns the number of requests written but not answered.
	InFlight() int

	isProcessor()
}

// newProcessor selects the processor for the negotiated protocol.
func newProcessor(protocol string, logger SLogger) processor {
	if protocol == "h2" {
		return newHTTP2Processor(logger)
	}
	return newHTTP1Processor(logger)
}

// bufferRequestBody reads the request body into memory so that the
// request can be written again after a reconnect.
func bufferRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	rc := req.Body
	if req.GetBody != nil {
		fresh, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		rc = fresh
	}
	body, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}

// failedResults converts requests into error results.
func failedResults(reqs []*http.Request, err error) (events []Event) {
	for _, req := range reqs {
		events = append(events, ResponseReady{Result: Result{Request: req, Err: err}})
	}
	return
}
