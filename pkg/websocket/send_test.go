package websocket

import (
	"bufio"
	"bytes"
	"container/list"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) (*Conn, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	c := &Conn{
		logger: slog.New(slog.DiscardHandler),
		bufio:  bufio.NewReadWriter(nil, bufio.NewWriter(&buf)),
		pool:   newConnPool(1024),
		config: Config{maxPayload: 16},
	}
	return c, &buf
}

// drainAll runs drainOne until the queue is empty, returning the opcodes in
// the order frames were written to the wire.
func drainAll(c *Conn, queue *list.List) []Opcode {
	var order []Opcode
	for queue.Len() > 0 {
		front := queue.Front()
		node, _ := front.Value.(*sendNode)
		order = append(order, node.frames[0].opcode)
		c.drainOne(queue)
		_ = c.bufio.Flush()
	}
	return order
}

func TestEnqueueNodeFIFOOrder(t *testing.T) {
	c, _ := newTestConn(t)
	queue := list.New()

	a := writeRequest{node: &sendNode{frames: []frameToSend{c.buildControlFrame(opcodePing, true, nil)}, done: make(chan error, 1)}}
	b := writeRequest{node: &sendNode{frames: []frameToSend{c.buildControlFrame(opcodePong, true, nil)}, done: make(chan error, 1)}}

	c.enqueueNode(queue, a)
	c.enqueueNode(queue, b)

	require.Equal(t, 2, queue.Len())
	assert.Equal(t, []Opcode{opcodePing, opcodePong}, drainAll(c, queue))
}

func TestEnqueueNodeUrgentJumpsUndrainedHead(t *testing.T) {
	c, _ := newTestConn(t)
	queue := list.New()

	normal := writeRequest{node: &sendNode{frames: []frameToSend{c.buildDataFrame(OpcodeText, true, []byte("x"))}, done: make(chan error, 1)}}
	urgent := writeRequest{
		node:   &sendNode{frames: []frameToSend{c.buildControlFrame(opcodePing, true, nil)}, done: make(chan error, 1)},
		urgent: true,
	}

	c.enqueueNode(queue, normal)
	c.enqueueNode(queue, urgent)

	assert.Equal(t, []Opcode{opcodePing, OpcodeText}, drainAll(c, queue))
}

func TestEnqueueNodeUrgentFollowsPartiallyDrainedHead(t *testing.T) {
	c, _ := newTestConn(t)
	queue := list.New()

	// A two-frame logical send: FIRST then CONT|LAST.
	big := &sendNode{
		frames: []frameToSend{
			c.buildDataFrame(OpcodeText, false, []byte("partial-X")),
			c.buildDataFrame(opcodeContinuation, true, []byte("-rest-of-X")),
		},
		done: make(chan error, 1),
	}
	other := &sendNode{frames: []frameToSend{c.buildDataFrame(OpcodeText, true, []byte("Y"))}, done: make(chan error, 1)}
	urgent := &sendNode{frames: []frameToSend{c.buildControlFrame(opcodePing, true, []byte("U"))}, done: make(chan error, 1)}

	c.enqueueNode(queue, writeRequest{node: big})
	c.enqueueNode(queue, writeRequest{node: other})

	// Drain the first physical frame of "big" (the partial chunk), marking
	// it as the in-progress head.
	c.drainOne(queue)
	_ = c.bufio.Flush()

	c.enqueueNode(queue, writeRequest{node: urgent, urgent: true})

	// Expected drain order: remainder of X, then U (urgent), then Y.
	assert.Equal(t, []Opcode{opcodeContinuation, opcodePing, OpcodeText}, drainAll(c, queue))
}

func TestDrainOneClosePendingDropsRestOfQueue(t *testing.T) {
	c, _ := newTestConn(t)
	queue := list.New()

	closeNode := &sendNode{
		frames:  []frameToSend{c.buildControlFrame(opcodeClose, true, nil)},
		isClose: true,
		done:    make(chan error, 1),
	}
	after := &sendNode{frames: []frameToSend{c.buildDataFrame(OpcodeText, true, []byte("late"))}, done: make(chan error, 1)}

	c.enqueueNode(queue, writeRequest{node: closeNode})
	c.enqueueNode(queue, writeRequest{node: after})

	c.drainOne(queue)
	_ = c.bufio.Flush()

	assert.True(t, c.isCloseSent())
	assert.Equal(t, 0, queue.Len())

	select {
	case err := <-after.done:
		assert.ErrorIs(t, err, ErrClosedConnection)
	default:
		t.Fatal("expected after.done to receive ErrClosedConnection")
	}
}

func TestEnqueueNodeRejectsAfterCloseSent(t *testing.T) {
	c, _ := newTestConn(t)
	c.closeSent = true
	queue := list.New()

	req := writeRequest{node: &sendNode{frames: []frameToSend{c.buildControlFrame(opcodePing, true, nil)}, done: make(chan error, 1)}}
	c.enqueueNode(queue, req)

	assert.Equal(t, 0, queue.Len())
	select {
	case err := <-req.node.done:
		assert.ErrorIs(t, err, ErrClosedConnection)
	default:
		t.Fatal("expected done to receive ErrClosedConnection")
	}
}

func TestChunkDataFramesSplitsOnMaxPayloadSize(t *testing.T) {
	c, _ := newTestConn(t) // config.maxPayload == 16

	frames, err := c.chunkDataFrames(OpcodeBinary, bytes.Repeat([]byte{1}, 40))
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, OpcodeBinary, frames[0].opcode)
	assert.False(t, frames[0].fin)
	assert.Equal(t, opcodeContinuation, frames[1].opcode)
	assert.False(t, frames[1].fin)
	assert.Equal(t, opcodeContinuation, frames[2].opcode)
	assert.True(t, frames[2].fin)

	total := frames[0].n + frames[1].n + frames[2].n
	assert.Equal(t, 40, total)
}

func TestChunkDataFramesSingleFrameWhenUnderLimit(t *testing.T) {
	c, _ := newTestConn(t)

	frames, err := c.chunkDataFrames(OpcodeText, []byte("short"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].fin)
}

func TestStreamContinuityRejectsDoubleFirst(t *testing.T) {
	c, _ := newTestConn(t)

	require.NoError(t, c.checkStreamContinuity(OpcodeText, StreamFirst))
	err := c.checkStreamContinuity(OpcodeText, StreamFirst)
	assert.ErrorIs(t, err, ErrStreamContinuityIssue)
}

func TestStreamContinuityRejectsContWithoutFirst(t *testing.T) {
	c, _ := newTestConn(t)

	err := c.checkStreamContinuity(OpcodeText, 0)
	assert.ErrorIs(t, err, ErrStreamContinuityIssue)
}

func TestStreamContinuityFirstAndLastTogetherResets(t *testing.T) {
	c, _ := newTestConn(t)

	require.NoError(t, c.checkStreamContinuity(OpcodeText, StreamFirst|StreamLast))
	assert.False(t, c.activeStream.active)

	// A brand new stream can now start.
	require.NoError(t, c.checkStreamContinuity(OpcodeBinary, StreamFirst))
}
