package transport

import (
	"fmt"
	"io"
	"sync"

	"github.com/filegrind/capns-go/cap"
	"github.com/filegrind/capns-go/urn"
)

// StreamFailKind enumerates the per-request-stream protocol violations a
// Host's response state machine can observe (§4.I). Every FAIL terminates
// the request it occurred on without affecting any other in-flight request.
type StreamFailKind int

const (
	DuplicateStreamId StreamFailKind = iota
	StreamAfterRequestEnd
	ChunkMissingStreamId
	UnknownStreamId
	ChunkAfterStreamEnd
	UnexpectedFrameType
)

func (k StreamFailKind) String() string {
	switch k {
	case DuplicateStreamId:
		return "duplicateStreamId"
	case StreamAfterRequestEnd:
		return "streamAfterRequestEnd"
	case ChunkMissingStreamId:
		return "chunkMissingStreamId"
	case UnknownStreamId:
		return "unknownStreamId"
	case ChunkAfterStreamEnd:
		return "chunkAfterStreamEnd"
	case UnexpectedFrameType:
		return "UnexpectedFrameType"
	default:
		return "unknown"
	}
}

// StreamFail is the error value yielded on a request's response stream when
// the state machine below observes a protocol violation.
type StreamFail struct {
	Kind     StreamFailKind
	StreamId string
}

func (f *StreamFail) Error() string {
	if f.StreamId != "" {
		return fmt.Sprintf("%s: stream %q", f.Kind, f.StreamId)
	}
	return f.Kind.String()
}

// Chunk is one piece of a streamed response.
type Chunk struct {
	StreamId string
	MediaUrn string
	Payload  []byte
	Seq      uint64
	IsEof    bool
}

// Result is one element of the AsyncStream returned by Request/
// RequestWithArguments: either a Chunk or the terminal error that ended the
// stream (a *StreamFail, a *HostError, or the plugin's own ERR surfaced as
// HostErrorTypePluginError).
type Result struct {
	Chunk *Chunk
	Err   error
}

type requestStream struct {
	mediaUrn string
	active   bool
}

// pendingRequest tracks one in-flight request's per-stream state machine
// (§4.I "Per-request state machine for responses").
type pendingRequest struct {
	streams map[string]*requestStream
	ended   bool
	out     chan Result
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{
		streams: make(map[string]*requestStream),
		out:     make(chan Result, 8),
	}
}

// apply feeds one frame through the state machine. It returns true once the
// request is finished (END, ERR, or any FAIL) and must be removed from the
// Host's pending table.
func (p *pendingRequest) apply(frame *Frame) (done bool) {
	switch frame.FrameType {
	case FrameTypeStreamStart:
		streamId := strOrEmpty(frame.StreamId)
		if p.ended {
			return p.fail(&StreamFail{Kind: StreamAfterRequestEnd, StreamId: streamId})
		}
		if _, exists := p.streams[streamId]; exists {
			return p.fail(&StreamFail{Kind: DuplicateStreamId, StreamId: streamId})
		}
		p.streams[streamId] = &requestStream{mediaUrn: strOrEmpty(frame.MediaUrn), active: true}
		return false

	case FrameTypeChunk:
		streamId := strOrEmpty(frame.StreamId)
		if streamId == "" {
			return p.fail(&StreamFail{Kind: ChunkMissingStreamId})
		}
		st, exists := p.streams[streamId]
		if !exists {
			if p.ended {
				return p.fail(&StreamFail{Kind: StreamAfterRequestEnd, StreamId: streamId})
			}
			return p.fail(&StreamFail{Kind: UnknownStreamId, StreamId: streamId})
		}
		if !st.active {
			return p.fail(&StreamFail{Kind: ChunkAfterStreamEnd, StreamId: streamId})
		}
		eof := frame.Eof != nil && *frame.Eof
		p.emit(Result{Chunk: &Chunk{
			StreamId: streamId,
			MediaUrn: st.mediaUrn,
			Payload:  frame.Payload,
			Seq:      frame.Seq,
			IsEof:    eof,
		}})
		return false

	case FrameTypeStreamEnd:
		if st, exists := p.streams[strOrEmpty(frame.StreamId)]; exists {
			st.active = false
		}
		return false

	case FrameTypeEnd:
		p.ended = true
		close(p.out)
		return true

	case FrameTypeErr:
		return p.fail(&HostError{Type: HostErrorTypePluginError, Code: frame.ErrorCode(), Message: frame.ErrorMessage()})

	default:
		return p.fail(&StreamFail{Kind: UnexpectedFrameType, StreamId: frame.FrameType.String()})
	}
}

func (p *pendingRequest) emit(r Result) {
	p.out <- r
}

func (p *pendingRequest) fail(err error) bool {
	p.emit(Result{Err: err})
	close(p.out)
	return true
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CapRouter resolves a peer-invoke REQ (a cap call issued by the plugin back
// to its host) to the handle that will service it.
type CapRouter interface {
	Route(capUrn string) (PeerRequestHandle, bool)
}

// PeerRequestHandle services one peer-invoke request end to end: every
// subsequent STREAM_START/CHUNK/STREAM_END/END/ERR frame bearing the
// request's id is replayed into ForwardFrame, and ResponseStream yields the
// chunks (or error) to write back to the plugin as CHUNK/END/ERR frames.
type PeerRequestHandle interface {
	ForwardFrame(frame *Frame) error
	ResponseStream() <-chan Result
}

// LocalPluginRouter is the default CapRouter: an ordered list of
// (capUrnPattern, host) pairs. Route picks the first host whose pattern
// Accepts the request, in registration order; routes are not ranked by
// specificity.
type LocalPluginRouter struct {
	mu      sync.Mutex
	entries []localRouterEntry
}

type localRouterEntry struct {
	pattern *urn.CapUrn
	handler func(capUrn string) (PeerRequestHandle, bool)
}

// NewLocalPluginRouter creates an empty router.
func NewLocalPluginRouter() *LocalPluginRouter {
	return &LocalPluginRouter{}
}

// AddRoute registers a (pattern, handler) pair. Routes are tried in
// registration order; the first pattern that Accepts the request wins.
func (r *LocalPluginRouter) AddRoute(pattern *urn.CapUrn, handler func(capUrn string) (PeerRequestHandle, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, localRouterEntry{pattern: pattern, handler: handler})
}

// Route implements CapRouter.
func (r *LocalPluginRouter) Route(capUrn string) (PeerRequestHandle, bool) {
	requested, err := urn.NewCapUrnFromString(capUrn)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	entries := make([]localRouterEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	for _, e := range entries {
		if e.pattern.Accepts(requested) {
			return e.handler(capUrn)
		}
	}
	return nil, false
}

// Host is the host-side state machine for a single plugin process (§4.I):
// it issues requests into the plugin and demultiplexes the plugin's
// streamed responses, while servicing any peer-invoke calls the plugin
// issues back via its CapRouter. One Host per ManagedPlugin connection;
// PluginHost composes many of these to front a relay.
type Host struct {
	reader  *FrameReader
	writer  *syncFrameWriter
	limits  Limits
	router  CapRouter
	closeFn func() error

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	peerReqs map[string]PeerRequestHandle
	closed   bool
}

// Connect returns the Host together with the plugin's manifest and any
// handshake error.

// Connect performs the host-side handshake over reader/writer and, on
// success, starts the reader loop. router may be nil if this plugin never
// issues peer-invoke calls. closeFn is invoked by Close (closing stdin so
// the plugin observes EOF); it may be nil for in-memory pipes.
func Connect(reader io.Reader, writer io.Writer, router CapRouter, closeFn func() error) (*Host, []byte, error) {
	fr := NewFrameReader(reader)
	fw := NewFrameWriter(writer)

	manifest, limits, err := HandshakeInitiate(fr, fw)
	if err != nil {
		return nil, nil, &HostError{Type: HostErrorTypeHandshake, Message: err.Error()}
	}
	if len(manifest) == 0 {
		return nil, nil, &HostError{Type: HostErrorTypeHandshake, Message: "plugin HELLO missing manifest"}
	}

	fr.SetLimits(limits)
	h := &Host{
		reader:   fr,
		writer:   newSyncFrameWriter(fw),
		limits:   limits,
		router:   router,
		closeFn:  closeFn,
		pending:  make(map[string]*pendingRequest),
		peerReqs: make(map[string]PeerRequestHandle),
	}
	h.writer.SetLimits(limits)
	go h.readLoop()
	return h, manifest, nil
}

// Request issues a single-payload cap invocation (§4.I "Request issue").
func (h *Host) Request(capUrn string, payload []byte, contentType string) (<-chan Result, error) {
	id := NewMessageIdRandom()
	pr := newPendingRequest()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &HostError{Type: HostErrorTypeClosed}
	}
	h.pending[id.ToString()] = pr
	h.mu.Unlock()

	if err := h.writeRequestPayload(id, capUrn, payload, contentType); err != nil {
		h.removePending(id.ToString())
		return nil, err
	}
	return pr.out, nil
}

// writeRequestPayload implements steps 3-4 of §4.I's request-issue protocol:
// a single REQ when the payload fits in one frame, otherwise REQ with an
// empty payload followed by CHUNK frames and a final END.
func (h *Host) writeRequestPayload(id MessageId, capUrn string, payload []byte, contentType string) error {
	if len(payload) <= h.limits.MaxChunk {
		return h.writer.WriteFrame(NewReq(id, capUrn, payload, contentType))
	}

	if err := h.writer.WriteFrame(NewReq(id, capUrn, nil, contentType)); err != nil {
		return err
	}
	offset := 0
	seq := uint64(0)
	for offset < len(payload) {
		chunkSize := len(payload) - offset
		if chunkSize > h.limits.MaxChunk {
			chunkSize = h.limits.MaxChunk
		}
		chunk := payload[offset : offset+chunkSize]
		checksum := ComputeChecksum(chunk)
		if err := h.writer.WriteFrame(NewChunk(id, id.ToString(), seq, chunk, seq, checksum)); err != nil {
			return err
		}
		offset += chunkSize
		seq++
	}
	return h.writer.WriteFrame(NewEnd(id, nil))
}

// RequestWithArguments issues a protocol-v2 multi-argument cap invocation:
// REQ carries the cap URN with an empty payload, followed by one
// STREAM_START/CHUNK.../STREAM_END sequence per argument, then END.
func (h *Host) RequestWithArguments(capUrn string, args []cap.CapArgumentValue) (<-chan Result, error) {
	id := NewMessageIdRandom()
	pr := newPendingRequest()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &HostError{Type: HostErrorTypeClosed}
	}
	h.pending[id.ToString()] = pr
	h.mu.Unlock()

	if err := h.writeArguments(id, capUrn, args); err != nil {
		h.removePending(id.ToString())
		return nil, err
	}
	return pr.out, nil
}

func (h *Host) writeArguments(id MessageId, capUrn string, args []cap.CapArgumentValue) error {
	if err := h.writer.WriteFrame(NewReq(id, capUrn, nil, "")); err != nil {
		return err
	}
	for i, arg := range args {
		streamId := fmt.Sprintf("%s-arg%d", id.ToString(), i)
		if err := h.writer.WriteFrame(NewStreamStart(id, streamId, arg.MediaUrn)); err != nil {
			return err
		}
		if err := h.writeChunked(id, streamId, arg.Value); err != nil {
			return err
		}
		chunkCount := uint64(0)
		if len(arg.Value) > 0 {
			chunkCount = uint64((len(arg.Value) + h.limits.MaxChunk - 1) / h.limits.MaxChunk)
		}
		if err := h.writer.WriteFrame(NewStreamEnd(id, streamId, chunkCount)); err != nil {
			return err
		}
	}
	return h.writer.WriteFrame(NewEnd(id, nil))
}

func (h *Host) writeChunked(id MessageId, streamId string, payload []byte) error {
	offset := 0
	seq := uint64(0)
	for offset < len(payload) {
		chunkSize := len(payload) - offset
		if chunkSize > h.limits.MaxChunk {
			chunkSize = h.limits.MaxChunk
		}
		chunk := payload[offset : offset+chunkSize]
		checksum := ComputeChecksum(chunk)
		if err := h.writer.WriteFrame(NewChunk(id, streamId, seq, chunk, seq, checksum)); err != nil {
			return err
		}
		offset += chunkSize
		seq++
	}
	return nil
}

func (h *Host) removePending(idKey string) {
	h.mu.Lock()
	delete(h.pending, idKey)
	h.mu.Unlock()
}

// readLoop is the dedicated reader thread described by §4.I's "Reader loop".
func (h *Host) readLoop() {
	for {
		frame, err := h.reader.ReadFrame()
		if err != nil {
			h.onReaderDone(err)
			return
		}
		h.dispatch(frame)
	}
}

func (h *Host) dispatch(frame *Frame) {
	switch frame.FrameType {
	case FrameTypeHeartbeat:
		_ = h.writer.WriteFrame(NewHeartbeat(frame.Id))
		return
	case FrameTypeReq:
		h.handlePeerInvoke(frame)
		return
	}

	idKey := frame.Id.ToString()

	h.mu.Lock()
	if handle, ok := h.peerReqs[idKey]; ok {
		h.mu.Unlock()
		_ = handle.ForwardFrame(frame)
		if frame.FrameType == FrameTypeEnd || frame.FrameType == FrameTypeErr {
			h.mu.Lock()
			delete(h.peerReqs, idKey)
			h.mu.Unlock()
		}
		return
	}
	pr, ok := h.pending[idKey]
	h.mu.Unlock()
	if !ok {
		// unknown id: silently dropped, per §4.I reader-loop dispatch
		return
	}

	if pr.apply(frame) {
		h.removePending(idKey)
	}
}

// handlePeerInvoke services a REQ the plugin issued back to its host
// (§4.I "Peer invoke (host-side service)").
func (h *Host) handlePeerInvoke(frame *Frame) {
	idKey := frame.Id.ToString()
	if h.router == nil {
		_ = h.writer.WriteFrame(NewErr(frame.Id, "NO_ROUTER", "host has no CapRouter configured"))
		return
	}
	capUrn := strOrEmpty(frame.Cap)
	handle, ok := h.router.Route(capUrn)
	if !ok {
		_ = h.writer.WriteFrame(NewErr(frame.Id, "NO_ROUTE", fmt.Sprintf("no route for cap %q", capUrn)))
		return
	}

	h.mu.Lock()
	h.peerReqs[idKey] = handle
	h.mu.Unlock()
	_ = handle.ForwardFrame(frame)

	go h.pumpPeerResponse(frame.Id, handle)
}

// pumpPeerResponse relays a PeerRequestHandle's response stream back to the
// plugin as CHUNK frames terminated by END (or ERR on failure).
func (h *Host) pumpPeerResponse(id MessageId, handle PeerRequestHandle) {
	streamId := id.ToString()
	started := false
	for res := range handle.ResponseStream() {
		if res.Err != nil {
			_ = h.writer.WriteFrame(NewErr(id, "PEER_ERROR", res.Err.Error()))
			h.removePeerReq(streamId)
			return
		}
		c := res.Chunk
		if !started {
			_ = h.writer.WriteFrame(NewStreamStart(id, streamId, c.MediaUrn))
			started = true
		}
		checksum := ComputeChecksum(c.Payload)
		_ = h.writer.WriteFrame(NewChunk(id, streamId, c.Seq, c.Payload, c.Seq, checksum))
	}
	if started {
		_ = h.writer.WriteFrame(NewStreamEnd(id, streamId, 0))
	}
	_ = h.writer.WriteFrame(NewEnd(id, nil))
	h.removePeerReq(streamId)
}

func (h *Host) removePeerReq(idKey string) {
	h.mu.Lock()
	delete(h.peerReqs, idKey)
	h.mu.Unlock()
}

// onReaderDone finishes every pending request once the plugin connection
// ends, per §4.I "Cancellation & close".
func (h *Host) onReaderDone(err error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]*pendingRequest)
	closed := h.closed
	h.mu.Unlock()

	var finishErr error
	if err == io.EOF {
		if closed {
			finishErr = &HostError{Type: HostErrorTypeClosed}
		} else {
			finishErr = &HostError{Type: HostErrorTypeProcessExited}
		}
	} else {
		finishErr = &HostError{Type: HostErrorTypeIo, Message: err.Error()}
	}
	for _, pr := range pending {
		pr.fail(finishErr)
	}
}

// Close closes the plugin's stdin (EOF to plugin). Pending requests are
// finished with HostErrorTypeClosed by the reader loop once it sees EOF.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if h.closeFn != nil {
		return h.closeFn()
	}
	return nil
}
