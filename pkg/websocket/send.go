package websocket

import (
	"container/list"
	"fmt"
	"log/slog"
)

// frameToSend is one physical WebSocket frame waiting to be written to the
// wire, as part of a (possibly multi-frame) logical send.
type frameToSend struct {
	opcode Opcode
	fin    bool
	block  *Block
	n      int // bytes of block.Bytes() actually in use.
}

// sendNode is a queue entry: the remaining physical frames of one logical
// send (a whole message, a chunked stream of frames, or a single control
// frame), plus the channel to signal once the entire node has drained.
//
// sendNode is the Go rendering of curlws's cws_buf_queue node
// (src/send.c): sentAny corresponds to "head->sent > 0", used by
// [Conn.enqueueNode] to decide whether an urgent frame jumps to the front
// of the queue or just behind the node currently being drained.
type sendNode struct {
	frames  []frameToSend
	sentAny bool
	isClose bool
	done    chan<- error
}

// writeRequest is what [Conn.enqueue] sends over the writer channel; the
// writer goroutine is the only consumer and the only place a [sendNode] is
// mutated after being built, so no locking is needed around the queue.
//
// stream is non-nil only for [Conn.SendStreamText]/[Conn.SendStreamBinary]
// requests: stream-continuity state ([Conn.activeStream]) is touched only
// by the writer goroutine, so the FIRST/CONT/LAST check in [Conn.enqueueNode]
// happens there, not in the caller's goroutine.
type writeRequest struct {
	node   *sendNode
	urgent bool
	stream *streamCheck
}

type streamCheck struct {
	opcode Opcode
	flags  StreamFlag
	text   []byte // non-nil for text streams, validated against carried UTF-8 state.
}

// enqueue builds a [sendNode] from the given frames and hands it to the
// writer goroutine via [Conn.writer]. The returned channel receives
// exactly one value once the node has fully drained (or failed).
func (c *Conn) enqueue(frames []frameToSend, urgent bool) <-chan error {
	return c.enqueueStream(frames, urgent, nil)
}

func (c *Conn) enqueueStream(frames []frameToSend, urgent bool, stream *streamCheck) <-chan error {
	err := make(chan error, 1)
	isClose := false
	for _, f := range frames {
		if f.opcode == opcodeClose {
			isClose = true
		}
	}
	c.writer <- writeRequest{
		node:   &sendNode{frames: frames, isClose: isClose, done: err},
		urgent: urgent,
		stream: stream,
	}
	return err
}

// writeMessages runs as a [Conn] goroutine. It owns the outbound send
// queue exclusively (see [sendNode]) and is the only goroutine that
// touches [Conn.activeStream]. Blocks of [Conn.pool] are taken by the
// sending goroutines (see [Conn.buildDataFrame]) and released here;
// [sync.Pool] is safe for that concurrent use.
//
// Structurally this plays the role of a transport "pull" callback and its
// send queue drain loop, except there is no separate pause/unpause signal:
// a non-blocking channel receive between frame writes admits new enqueue
// requests (including urgent ones) while a multi-frame send is in
// progress, though an urgent node still waits behind a head node that
// has started draining, and a blocking receive is used whenever the queue is
// empty, which is exactly what "pause until unpaused" becomes once "pull"
// is a channel receive.
func (c *Conn) writeMessages() {
	queue := list.New()

	for {
		if queue.Len() == 0 {
			req, ok := <-c.writer
			if !ok {
				return
			}
			c.enqueueNode(queue, req)
			continue
		}

		select {
		case req, ok := <-c.writer:
			if ok {
				c.enqueueNode(queue, req)
			}
		default:
		}

		c.drainOne(queue)
	}
}

// enqueueNode inserts req's node into queue, honoring urgent-insertion
// semantics: if the current head hasn't started draining, the urgent node
// replaces it at the front; otherwise it's inserted immediately behind the
// (partially drained) head, so the head's remaining frames still finish
// first.
func (c *Conn) enqueueNode(queue *list.List, req writeRequest) {
	if c.isCloseSent() {
		c.releaseNode(req.node)
		req.node.done <- ErrClosedConnection
		return
	}

	if req.stream != nil {
		if err := c.admitStream(req.stream); err != nil {
			c.releaseNode(req.node)
			req.node.done <- err
			return
		}
	}

	if !req.urgent {
		queue.PushBack(req.node)
		return
	}

	front := queue.Front()
	if front == nil || !front.Value.(*sendNode).sentAny { //nolint:errcheck
		queue.PushFront(req.node)
		return
	}
	queue.InsertAfter(req.node, front)
}

// drainOne writes exactly one physical frame: the next undelivered frame
// of the queue's head node. When a node's frames are exhausted it is
// popped and its done channel signaled; a completed CLOSE frame also
// marks the close handshake as sent and discards the rest of the queue:
// no frame enqueued after a CLOSE will ever be drained.
func (c *Conn) drainOne(queue *list.List) {
	front := queue.Front()
	node, _ := front.Value.(*sendNode)

	f := node.frames[0]
	err := c.writeFrameFin(f.opcode, f.fin, f.block.Bytes()[:f.n])
	f.block.Release()

	node.sentAny = true
	node.frames = node.frames[1:]

	if err != nil {
		queue.Remove(front)
		node.done <- err
		c.logger.Error("failed to write WebSocket frame", slog.Any("error", err))
		return
	}

	if len(node.frames) > 0 {
		return
	}

	queue.Remove(front)

	if node.isClose {
		c.closeSentMu.Lock()
		c.closeSent = true
		c.closeSentMu.Unlock()

		for e := queue.Front(); e != nil; e = queue.Front() {
			queue.Remove(e)
			dropped, _ := e.Value.(*sendNode) //nolint:errcheck
			dropped.done <- ErrClosedConnection
		}
	}

	node.done <- nil
}

// chunkDataFrames splits payload into one or more [frameToSend] values
// honoring maxPayloadSize: a single FIRST|LAST frame if payload fits,
// otherwise a FIRST frame, zero or more CONT frames, and a final
// CONT|LAST frame with the remainder.
func (c *Conn) chunkDataFrames(op Opcode, payload []byte) ([]frameToSend, error) {
	maxPayload := c.config.maxPayloadSize()
	if len(payload) <= maxPayload {
		return []frameToSend{c.buildDataFrame(op, true, payload)}, nil
	}

	var frames []frameToSend
	for len(payload) > 0 {
		n := maxPayload
		if n > len(payload) {
			n = len(payload)
		}
		chunk := payload[:n]
		payload = payload[n:]

		frameOp := opcodeContinuation
		if len(frames) == 0 {
			frameOp = op
		}
		frames = append(frames, c.buildDataFrame(frameOp, len(payload) == 0, chunk))
	}

	return frames, nil
}

// buildDataFrame copies payload into a pool-owned block so the frame's
// bytes survive until the writer goroutine actually writes them.
func (c *Conn) buildDataFrame(op Opcode, fin bool, payload []byte) frameToSend {
	blk := c.pool.getData()
	n := copy(blk.Bytes(), payload)
	return frameToSend{opcode: op, fin: fin, block: blk.Block, n: n}
}

// buildControlFrame is the control-sized equivalent of [Conn.buildDataFrame].
func (c *Conn) buildControlFrame(op Opcode, fin bool, payload []byte) frameToSend {
	blk := c.pool.getControl()
	n := copy(blk.Bytes(), payload)
	return frameToSend{opcode: op, fin: fin, block: blk.Block, n: n}
}

// StreamFlag marks the role of a frame passed to [Conn.SendStreamText] or
// [Conn.SendStreamBinary] within a fragmented outbound message, mirroring
// curlws's CWS_FIRST/CWS_LAST bits (src/frame_senders.c).
type StreamFlag int

const (
	// StreamFirst marks the first frame of a fragmented message.
	StreamFirst StreamFlag = 1 << iota
	// StreamLast marks the final frame of a fragmented message.
	StreamLast
)

// streamState tracks the continuity of an in-progress outbound fragmented
// message, accessed only by the writer goroutine (see [Conn.writeMessages]).
type streamState struct {
	active bool
	opcode Opcode
	utf8   streamingUTF8Validator
}

// admitStream runs [Conn.checkStreamContinuity] plus, for a text stream,
// incremental UTF-8 validation of the frame about to be enqueued. It is
// called only from [Conn.enqueueNode], so it is the sole place
// [Conn.activeStream] is read or written and needs no locking.
func (c *Conn) admitStream(sc *streamCheck) error {
	if err := c.checkStreamContinuity(sc.opcode, sc.flags); err != nil {
		return err
	}

	if sc.opcode == OpcodeText || (!sc.flags.has(StreamFirst) && c.activeStream.opcode == OpcodeText) {
		final := sc.flags.has(StreamLast)
		if err := c.activeStream.utf8.push(sc.text, final); err != nil {
			c.activeStream.active = false
			return err
		}
	}

	return nil
}

// checkStreamContinuity implements the FIRST/CONT/LAST continuity checks
// shared by [Conn.SendStreamText] and [Conn.SendStreamBinary]. It must run
// inside the writer goroutine (via [Conn.admitStream]), since
// [Conn.activeStream] is otherwise unsynchronized.
func (c *Conn) checkStreamContinuity(op Opcode, flags StreamFlag) error {
	first := flags.has(StreamFirst)
	last := flags.has(StreamLast)

	switch {
	case first && c.activeStream.active:
		return fmt.Errorf("%w: FIRST sent while a stream is already active", ErrStreamContinuityIssue)
	case !first && !c.activeStream.active:
		return fmt.Errorf("%w: non-FIRST frame sent with no active stream", ErrStreamContinuityIssue)
	}

	if first {
		c.activeStream.active = true
		c.activeStream.opcode = op
	}
	if last {
		c.activeStream.active = false
	}

	return nil
}

// has reports whether flags includes f.
func (flags StreamFlag) has(f StreamFlag) bool {
	return flags&f != 0
}

// releaseNode returns every frame's pool block in node back to its
// freelist, used when a node is rejected before ever reaching the queue.
func (c *Conn) releaseNode(node *sendNode) {
	for _, f := range node.frames {
		f.block.Release()
	}
}

// SendStreamText sends one frame of a fragmented TEXT message. The first
// call for a message must set [StreamFirst] and the last must set
// [StreamLast] (a single-frame message sets both); text is validated as
// UTF-8 incrementally across the whole stream.
func (c *Conn) SendStreamText(chunk []byte, flags StreamFlag) error {
	return <-c.sendStreamFrame(OpcodeText, chunk, flags)
}

// SendStreamBinary sends one frame of a fragmented BINARY message, with
// the same FIRST/CONT/LAST contract as [Conn.SendStreamText].
func (c *Conn) SendStreamBinary(chunk []byte, flags StreamFlag) error {
	return <-c.sendStreamFrame(OpcodeBinary, chunk, flags)
}

func (c *Conn) sendStreamFrame(op Opcode, chunk []byte, flags StreamFlag) <-chan error {
	frameOp := op
	if !flags.has(StreamFirst) {
		frameOp = opcodeContinuation
	}

	frame := c.buildDataFrame(frameOp, flags.has(StreamLast), chunk)
	sc := &streamCheck{opcode: op, flags: flags}
	if op == OpcodeText {
		sc.text = chunk
	}

	return c.enqueueStream([]frameToSend{frame}, false, sc)
}
