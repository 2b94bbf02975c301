// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// HTTP/2 parameters advertised by [*http2Processor].
const (
	http2InitialMaxConcurrentStreams = 100
	http2DefaultWindowSize           = 65535
	http2DefaultMaxFrameSize         = 16384
	http2DefaultHeaderTableSize      = 4096
	http2LocalWindowSize             = 1 << 20
	http2FrameHeaderLen              = 9
)

// http2Stream is a request/response exchange on a single stream.
type http2Stream struct {
	body       []byte
	payload    []byte
	data       bytes.Buffer
	endSent    bool
	id         uint32
	req        *http.Request
	resp       *http.Response
	sendWindow int64
	seq        uint64
	trailer    http.Header
}

// http2Processor implements [processor] for HTTP/2 using [http2.Framer].
//
// Input is buffered until it contains complete frames, so that the framer
// never blocks or observes a partial frame. Output frames are written into
// an in-memory buffer and emitted as [FrameReady] events.
type http2Processor struct {
	connSendWindow    int64
	framer            *http2.Framer
	goAway            *http2.GoAwayError
	hbuf              bytes.Buffer
	hdec              *hpack.Decoder
	henc              *hpack.Encoder
	in                bytes.Buffer
	logger            SLogger
	maxConcurrent     uint32
	maxFrameSize      uint32
	nextID            uint32
	out               bytes.Buffer
	peerInitialWindow int64
	pending           []*http2Stream
	promiseOpen       bool
	raw               []byte
	seq               uint64
	streams           map[uint32]*http2Stream
}

var _ processor = &http2Processor{}

func newHTTP2Processor(logger SLogger) *http2Processor {
	p := &http2Processor{logger: logger}
	p.reset()
	return p
}

// reset discards the connection state and writes a new preface.
func (p *http2Processor) reset() {
	p.out.Reset()
	p.in.Reset()
	p.hbuf.Reset()
	p.raw = nil
	p.framer = http2.NewFramer(&p.out, &p.in)
	p.hdec = hpack.NewDecoder(http2DefaultHeaderTableSize, nil)
	p.framer.ReadMetaHeaders = p.hdec
	p.henc = hpack.NewEncoder(&p.hbuf)
	p.connSendWindow = http2DefaultWindowSize
	p.goAway = nil
	p.maxConcurrent = http2InitialMaxConcurrentStreams
	p.maxFrameSize = http2DefaultMaxFrameSize
	p.nextID = 1
	p.peerInitialWindow = http2DefaultWindowSize
	p.pending = nil
	p.promiseOpen = false
	p.streams = map[uint32]*http2Stream{}

	p.out.WriteString(http2.ClientPreface)
	p.framer.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: http2LocalWindowSize},
	)
	p.framer.WriteWindowUpdate(0, http2LocalWindowSize-http2DefaultWindowSize)
}

func (p *http2Processor) isProcessor() {}

// Protocol implements [processor].
func (p *http2Processor) Protocol() string {
	return "h2"
}

// Send implements [processor].
func (p *http2Processor) Send(req *http.Request) []Event {
	body, err := bufferRequestBody(req)
	if err != nil {
		return failedResults([]*http.Request{req}, err)
	}
	p.seq++
	st := &http2Stream{payload: body, req: req, seq: p.seq}
	return p.flush(p.submit(st))
}

// submit opens a stream for st or queues it when no slot is available.
func (p *http2Processor) submit(st *http2Stream) []Event {
	if p.goAway != nil {
		return failedResults([]*http.Request{st.req}, p.goAway)
	}
	if uint32(len(p.streams)) >= p.maxConcurrent {
		p.pending = append(p.pending, st)
		return nil
	}
	p.open(st)
	return nil
}

func (p *http2Processor) open(st *http2Stream) {
	st.id = p.nextID
	p.nextID += 2
	st.body = st.payload
	st.sendWindow = p.peerInitialWindow
	p.streams[st.id] = st
	p.logger.Debug(
		"http2StreamOpen",
		slog.Uint64("http2StreamID", uint64(st.id)),
		slog.String("httpMethod", st.req.Method),
		slog.String("httpUrl", st.req.URL.String()),
	)
	endStream := len(st.body) <= 0
	p.writeHeaders(st, endStream)
	st.endSent = endStream
	p.writeBodies()
}

func (p *http2Processor) writeHeaders(st *http2Stream, endStream bool) {
	req := st.req
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	p.hbuf.Reset()
	p.writeField(":method", method)
	p.writeField(":scheme", req.URL.Scheme)
	p.writeField(":authority", host)
	p.writeField(":path", req.URL.RequestURI())
	for _, key := range slices.Sorted(maps.Keys(req.Header)) {
		name := strings.ToLower(key)
		switch name {
		case "connection", "host", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		}
		for _, value := range req.Header[key] {
			p.writeField(name, value)
		}
	}
	if len(st.body) > 0 && req.Header.Get("Content-Length") == "" {
		p.writeField("content-length", strconv.Itoa(len(st.body)))
	}

	block := p.hbuf.Bytes()
	first := true
	for first || len(block) > 0 {
		size := min(len(block), int(p.maxFrameSize))
		chunk, rest := block[:size], block[size:]
		if first {
			p.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      st.id,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    len(rest) <= 0,
			})
			first = false
		} else {
			p.framer.WriteContinuation(st.id, len(rest) <= 0, chunk)
		}
		block = rest
	}
}

func (p *http2Processor) writeField(name, value string) {
	p.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
}

// writeBodies writes as much request body as the flow-control windows allow.
func (p *http2Processor) writeBodies() {
	for _, id := range slices.Sorted(maps.Keys(p.streams)) {
		st := p.streams[id]
		if st.endSent {
			continue
		}
		for len(st.body) > 0 {
			size := min(int64(len(st.body)), int64(p.maxFrameSize), st.sendWindow, p.connSendWindow)
			if size <= 0 {
				break
			}
			p.framer.WriteData(st.id, false, st.body[:size])
			st.body = st.body[size:]
			st.sendWindow -= size
			p.connSendWindow -= size
		}
		if len(st.body) <= 0 {
			p.framer.WriteData(st.id, true, nil)
			st.endSent = true
		}
	}
}

// Feed implements [processor].
func (p *http2Processor) Feed(data []byte) ([]Event, error) {
	p.raw = append(p.raw, data...)
	ready := http2CompleteFrameUnits(p.raw)
	p.in.Write(p.raw[:ready])
	p.raw = p.raw[:copy(p.raw, p.raw[ready:])]

	var events []Event
	for p.in.Len() > 0 {
		frame, err := p.framer.ReadFrame()
		var serr http2.StreamError
		if errors.As(err, &serr) {
			p.framer.WriteRSTStream(serr.StreamID, serr.Code)
			if st := p.streams[serr.StreamID]; st != nil {
				events = append(events, p.closeStream(st, serr)...)
			}
			continue
		}
		if err != nil {
			return p.flush(events), &ProtocolDecodeError{Err: err}
		}
		more, err := p.handleFrame(frame)
		events = append(events, more...)
		if err != nil {
			return p.flush(events), err
		}
	}
	return p.flush(events), nil
}

func (p *http2Processor) handleFrame(frame http2.Frame) ([]Event, error) {
	hdr := frame.Header()
	p.logger.Debug(
		"http2FrameReceived",
		slog.String("http2FrameType", hdr.Type.String()),
		slog.Uint64("http2StreamID", uint64(hdr.StreamID)),
		slog.Int("http2FrameLength", int(hdr.Length)),
		slog.Int("http2FrameFlags", int(hdr.Flags)),
	)

	switch f := frame.(type) {
	case *http2.SettingsFrame:
		return p.handleSettings(f)

	case *http2.PingFrame:
		if !f.IsAck() {
			p.framer.WritePing(true, f.Data)
		}
		return nil, nil

	case *http2.GoAwayFrame:
		return p.handleGoAway(f), nil

	case *http2.WindowUpdateFrame:
		if f.StreamID == 0 {
			p.connSendWindow += int64(f.Increment)
		} else if st := p.streams[f.StreamID]; st != nil {
			st.sendWindow += int64(f.Increment)
		}
		p.writeBodies()
		return nil, nil

	case *http2.MetaHeadersFrame:
		return p.handleHeaders(f)

	case *http2.DataFrame:
		return p.handleData(f), nil

	case *http2.RSTStreamFrame:
		if st := p.streams[f.StreamID]; st != nil {
			return p.closeStream(st, http2.StreamError{StreamID: f.StreamID, Code: f.ErrCode}), nil
		}
		return nil, nil

	case *http2.PushPromiseFrame:
		// The header block must still go through the decoder so
		// that the HPACK dynamic table stays in sync.
		if err := p.decodePromiseFragment(f.HeaderBlockFragment(), f.HeadersEnded()); err != nil {
			return nil, err
		}
		p.framer.WriteRSTStream(f.PromiseID, http2.ErrCodeRefusedStream)
		return nil, nil

	case *http2.ContinuationFrame:
		if p.promiseOpen {
			return nil, p.decodePromiseFragment(f.HeaderBlockFragment(), f.HeadersEnded())
		}
		return nil, nil

	default:
		return nil, nil
	}
}

func (p *http2Processor) decodePromiseFragment(fragment []byte, ended bool) error {
	p.hdec.SetEmitFunc(func(hpack.HeaderField) {})
	if _, err := p.hdec.Write(fragment); err != nil {
		return &ProtocolDecodeError{Err: err}
	}
	p.promiseOpen = !ended
	if ended {
		if err := p.hdec.Close(); err != nil {
			return &ProtocolDecodeError{Err: err}
		}
	}
	return nil
}

func (p *http2Processor) handleSettings(f *http2.SettingsFrame) ([]Event, error) {
	if f.IsAck() {
		return nil, nil
	}
	err := f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			p.maxConcurrent = s.Val
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - p.peerInitialWindow
			for _, st := range p.streams {
				st.sendWindow += delta
			}
			p.peerInitialWindow = int64(s.Val)
		case http2.SettingMaxFrameSize:
			p.maxFrameSize = s.Val
		case http2.SettingHeaderTableSize:
			p.henc.SetMaxDynamicTableSizeLimit(s.Val)
		}
		return nil
	})
	if err != nil {
		return nil, &ProtocolDecodeError{Err: err}
	}
	p.framer.WriteSettingsAck()
	p.writeBodies()
	return p.dequeue(), nil
}

func (p *http2Processor) handleGoAway(f *http2.GoAwayFrame) (events []Event) {
	p.goAway = &http2.GoAwayError{
		LastStreamID: f.LastStreamID,
		ErrCode:      f.ErrCode,
		DebugData:    string(f.DebugData()),
	}
	for _, id := range slices.Sorted(maps.Keys(p.streams)) {
		if id > f.LastStreamID {
			events = append(events, p.closeStream(p.streams[id], p.goAway)...)
		}
	}
	for _, st := range p.pending {
		events = append(events, failedResults([]*http.Request{st.req}, p.goAway)...)
	}
	p.pending = nil
	return
}

func (p *http2Processor) handleHeaders(f *http2.MetaHeadersFrame) ([]Event, error) {
	st := p.streams[f.StreamID]
	if st == nil {
		return nil, nil
	}
	if f.Truncated {
		p.framer.WriteRSTStream(st.id, http2.ErrCodeProtocol)
		return p.closeStream(st, &ProtocolDecodeError{Err: errors.New("response headers too large")}), nil
	}

	var events []Event
	if st.resp == nil {
		status, err := strconv.Atoi(f.PseudoValue("status"))
		if err != nil {
			p.framer.WriteRSTStream(st.id, http2.ErrCodeProtocol)
			return p.closeStream(st, &ProtocolDecodeError{Err: fmt.Errorf("invalid :status %q", f.PseudoValue("status"))}), nil
		}
		if status >= 100 && status < 200 {
			return nil, nil
		}
		header := http.Header{}
		for _, hf := range f.RegularFields() {
			header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		}
		st.resp = &http.Response{
			Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
			StatusCode:    status,
			Proto:         "HTTP/2.0",
			ProtoMajor:    2,
			Header:        header,
			Request:       st.req,
			ContentLength: -1,
		}
		events = append(events, HeadersReceived{StreamID: st.id, Status: status, Header: header})
	} else {
		if st.trailer == nil {
			st.trailer = http.Header{}
		}
		for _, hf := range f.RegularFields() {
			st.trailer.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		}
	}

	if f.StreamEnded() {
		events = append(events, p.closeStream(st, nil)...)
	}
	return events, nil
}

func (p *http2Processor) handleData(f *http2.DataFrame) []Event {
	var events []Event
	length := f.Header().Length
	if length > 0 {
		p.framer.WriteWindowUpdate(0, length)
	}
	st := p.streams[f.StreamID]
	if st == nil {
		return nil
	}
	if data := f.Data(); len(data) > 0 {
		chunk := bytes.Clone(data)
		st.data.Write(chunk)
		events = append(events, DataReceived{StreamID: st.id, Data: chunk})
	}
	if f.StreamEnded() {
		return append(events, p.closeStream(st, nil)...)
	}
	if length > 0 {
		p.framer.WriteWindowUpdate(st.id, length)
	}
	return events
}

// closeStream delivers the response of st, or err, and opens the next
// pending stream.
func (p *http2Processor) closeStream(st *http2Stream, err error) []Event {
	delete(p.streams, st.id)
	if err == nil && st.resp == nil {
		err = &ProtocolDecodeError{Err: fmt.Errorf("stream %d closed without a response", st.id)}
	}
	p.logger.Debug(
		"http2StreamClosed",
		slog.Uint64("http2StreamID", uint64(st.id)),
		slog.Any("err", err),
	)
	events := []Event{StreamClosed{StreamID: st.id, Err: err}}
	if err != nil {
		events = append(events, ResponseReady{Result: Result{Request: st.req, Err: err}})
		return append(events, p.dequeue()...)
	}
	resp := st.resp
	resp.Body = http.NoBody
	if st.data.Len() > 0 {
		resp.Body = io.NopCloser(bytes.NewReader(st.data.Bytes()))
	}
	resp.ContentLength = int64(st.data.Len())
	resp.Trailer = st.trailer
	events = append(events, ResponseReady{Result: Result{Request: st.req, Response: resp}})
	return append(events, p.dequeue()...)
}

// dequeue opens pending streams while slots are available.
func (p *http2Processor) dequeue() (events []Event) {
	for len(p.pending) > 0 && p.goAway == nil && uint32(len(p.streams)) < p.maxConcurrent {
		st := p.pending[0]
		p.pending = p.pending[1:]
		p.open(st)
	}
	return
}

// flush appends a [FrameReady] event for buffered output, if any.
func (p *http2Processor) flush(events []Event) []Event {
	if p.out.Len() > 0 {
		events = append(events, FrameReady{Data: bytes.Clone(p.out.Bytes())})
		p.out.Reset()
	}
	return events
}

// EOF implements [processor].
func (p *http2Processor) EOF() []Event {
	return nil
}

// Close implements [processor].
func (p *http2Processor) Close(cause error) []Event {
	p.framer.WriteGoAway(0, http2.ErrCodeNo, nil)
	events := p.flush(nil)
	return append(events, failedResults(p.Drain(), cause)...)
}

// Reenqueue implements [processor].
func (p *http2Processor) Reenqueue() []Event {
	all := p.snapshot()
	p.reset()
	var events []Event
	for _, st := range all {
		st.data.Reset()
		st.endSent = false
		st.resp = nil
		st.trailer = nil
		events = append(events, p.submit(st)...)
	}
	return p.flush(events)
}

// snapshot returns in-flight and pending streams in creation order.
func (p *http2Processor) snapshot() []*http2Stream {
	all := slices.Collect(maps.Values(p.streams))
	all = append(all, p.pending...)
	slices.SortFunc(all, func(a, b *http2Stream) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return all
}

// Drain implements [processor].
func (p *http2Processor) Drain() []*http.Request {
	var reqs []*http.Request
	for _, st := range p.snapshot() {
		reqs = append(reqs, st.req)
	}
	p.streams = map[uint32]*http2Stream{}
	p.pending = nil
	return reqs
}

// Empty implements [processor].
func (p *http2Processor) Empty() bool {
	return len(p.streams) <= 0 && len(p.pending) <= 0
}

// InFlight implements [processor].
func (p *http2Processor) InFlight() int {
	return len(p.streams)
}

// http2CompleteFrameUnits returns the length of the longest prefix of buf
// made of whole frames, where a HEADERS or PUSH_PROMISE frame counts only
// together with the CONTINUATION frames that end its header block.
func http2CompleteFrameUnits(buf []byte) int {
	var complete, off int
	inBlock := false
	for len(buf)-off >= http2FrameHeaderLen {
		length := int(buf[off])<<16 | int(buf[off+1])<<8 | int(buf[off+2])
		ftype := http2.FrameType(buf[off+3])
		flags := http2.Flags(buf[off+4])
		if len(buf)-off-http2FrameHeaderLen < length {
			break
		}
		off += http2FrameHeaderLen + length
		if ftype == http2.FrameHeaders || ftype == http2.FramePushPromise || inBlock {
			inBlock = !flags.Has(http2.FlagHeadersEndHeaders)
		}
		if !inBlock {
			complete = off
		}
	}
	return complete
}
