package websocket

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"unicode/utf8"
)

// readMessage reads incoming frames from the server, responds to
// control frames (whether or not they're interleaved with data frames),
// and defragments data frames if needed. This function handles errors
// and connection closures gracefully, and returns nil in such cases.
//
// Do not call this function directly, it is meant to be used
// exclusively (and continuously) by [Conn.readMessages]!
//
// It is based on:
//   - Base framing protocol: https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
//   - Fragmentation: https://datatracker.ietf.org/doc/html/rfc6455#section-5.4
//   - Control frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5
//   - Data frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
//   - Receiving data: https://datatracker.ietf.org/doc/html/rfc6455#section-6.2
//   - Closing the connection: https://datatracker.ietf.org/doc/html/rfc6455#section-7
//   - Handling Errors in UTF-8-Encoded Data: https://datatracker.ietf.org/doc/html/rfc6455#section-8.1
func (c *Conn) readMessage() *Message {
	var msg bytes.Buffer
	var op Opcode

	for {
		h, err := c.readFrameHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Debug("WebSocket connection closed")
				c.closeReceived = true
				c.closeSentMu.Lock()
				c.closeSent = true
				c.closeSentMu.Unlock()
				return nil
			}
			c.logger.Error("failed to read WebSocket frame header", slog.Any("error", err))
			c.sendCloseControlFrame(StatusInternalError, "frame header reading error")
			return nil
		}

		c.logger.Debug("received WebSocket frame", slog.Bool("fin", h.fin),
			slog.String("opcode", h.opcode.String()), slog.Any("length", h.payloadLength))

		var data []byte
		if h.payloadLength > 0 {
			data = make([]byte, h.payloadLength)
			if _, err := io.ReadFull(c.bufio, data); err != nil {
				c.logger.Error("failed to read WebSocket frame payload", slog.Any("error", err))
				c.sendCloseControlFrame(StatusInternalError, "frame payload reading error")
				return nil
			}
		}

		if reason, err := c.checkFrameHeader(h, op); err != nil {
			c.logger.Error("protocol error due to invalid frame", slog.Any("error", err))
			c.sendCloseControlFrame(StatusProtocolError, reason)
			return nil
		}

		switch h.opcode {
		// "A fragmented message consists of a single frame with the FIN bit
		// clear and an opcode other than 0, followed by zero or more frames
		// with the FIN bit clear and the opcode set to 0, and terminated by
		// a single frame with the FIN bit set and an opcode of 0".
		case opcodeContinuation, OpcodeText, OpcodeBinary:
			if h.opcode != opcodeContinuation {
				op = h.opcode
			}
			if h.payloadLength > 0 {
				if _, err := msg.Write(data); err != nil {
					c.logger.Error("failed to store WebSocket data frame payload", slog.Any("error", err))
					c.sendCloseControlFrame(StatusInternalError, "data frame payload storing error")
					return nil
				}
				if msg.Len() > c.config.maxPayloadSize() {
					c.logger.Error("WebSocket message exceeds maximum payload size", slog.Int("length", msg.Len()))
					c.sendCloseControlFrame(StatusMessageTooBig, "message too big")
					return nil
				}
			}

		// "If an endpoint receives a Close frame and did not previously send
		// a Close frame, the endpoint MUST send a Close frame in response".
		case opcodeClose:
			c.closeReceived = true
			status, reason := c.parseClosePayload(data)
			c.sendCloseControlFrame(status, reason)
			return nil // Not an error, but we no longer need to receive new frames.

		// "An endpoint MUST be capable of handling control
		// frames in the middle of a fragmented message".
		case opcodePing:
			if err := <-c.sendControlFrame(opcodePong, data); err != nil {
				c.logger.Error("failed to send WebSocket pong control frame",
					slog.Any("error", err), slog.Any("payload", data))
			}

		case opcodePong:
			// No need to handle "Pong" control frames, since this
			// client doesn't send unsolicited "Ping" control frames.
		}

		if h.fin && h.opcode <= OpcodeBinary {
			return c.finalizeMessage(op, msg.Bytes())
		}
	}
}

func (c *Conn) finalizeMessage(op Opcode, data []byte) *Message {
	if data == nil {
		data = []byte{}
	}

	c.logger.Debug("finished receiving WebSocket data message",
		slog.String("opcode", op.String()), slog.Int("length", len(data)))

	// "When an endpoint is to interpret a byte stream as UTF-8 but finds
	// that the byte stream is not, in fact, a valid UTF-8 stream, that
	// endpoint MUST _Fail the WebSocket Connection_. This rule applies both
	// during the opening handshake and during subsequent data exchange".
	//
	// Validation can be disabled with [WithValidateReceivedText], for callers
	// that would rather inspect (and possibly tolerate) malformed text
	// themselves than have the connection fail underneath them.
	if op == OpcodeText && c.config.validateReceivedText() && len(data) > 0 && !utf8.Valid(data) {
		c.logger.Error("protocol error due to invalid UTF-8 text")
		c.sendCloseControlFrame(StatusInvalidData, "invalid UTF-8 text")
		return nil
	}

	return &Message{Opcode: op, Data: data}
}

// SendTextMessage sends a [UTF-8 text] message to the server, transparently
// splitting it into multiple frames if it exceeds the connection's
// configured maximum payload size.
//
// This is done asynchronously, to manage [isolation or safe multiplexing]
// of multiple concurrent calls, including interleaved control frames.
// Despite that, this function enables the caller to block and/or
// handle errors, with the returned channel.
//
// [UTF-8 text]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
// [isolation or safe multiplexing]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.4
func (c *Conn) SendTextMessage(data []byte) <-chan error {
	return c.sendDataMessage(OpcodeText, data, false)
}

// SendBinaryMessage sends a [binary] message to the server, transparently
// splitting it into multiple frames if it exceeds the connection's
// configured maximum payload size.
//
// This is done asynchronously, to manage [isolation or safe multiplexing]
// of multiple concurrent calls, including interleaved control frames.
// Despite that, this function enables the caller to block and/or
// handle errors, with the returned channel.
//
// [binary]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
// [isolation or safe multiplexing]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.4
func (c *Conn) SendBinaryMessage(data []byte) <-chan error {
	return c.sendDataMessage(OpcodeBinary, data, false)
}

// sendDataMessage chunks data into one or more frames bounded by the
// connection's maximum payload size and hands them to the send engine as a
// single logical node, so the whole message drains (or fails) atomically
// from the caller's perspective even though it may be several physical
// frames. urgent lets control-adjacent internal callers (none, currently)
// jump the send queue; ordinary messages always send in FIFO order.
func (c *Conn) sendDataMessage(op Opcode, data []byte, urgent bool) <-chan error {
	if len(data) > c.config.maxPayloadSize()*maxMessageChunks {
		err := make(chan error, 1)
		err <- ErrAppDataLengthTooLong
		return err
	}

	frames, err := c.chunkDataFrames(op, data)
	if err != nil {
		out := make(chan error, 1)
		out <- err
		return out
	}
	return c.enqueue(frames, urgent)
}

// maxMessageChunks caps how many frames [Conn.sendDataMessage] will split a
// single message into, as a defense against pathological allocation if a
// caller passes an enormous payload with a tiny maximum payload size.
const maxMessageChunks = 1 << 20

// sendControlFrame sends a [WebSocket control frame] to the server.
//
// This is done asynchronously, to manage [isolation or safe multiplexing]
// of multiple concurrent calls, including interleaved control frames.
// Despite that, this function enables the caller to block and/or
// handle errors, with the returned channel.
//
// Control frames are always sent urgently, ahead of any queued send that
// hasn't started; a send whose first frame is already written (e.g. a
// message split across multiple frames) finishes before the control frame.
//
// Use this function instead of calling [writeFrame] directly!
//
// [WebSocket control frame]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5
func (c *Conn) sendControlFrame(op Opcode, payload []byte) <-chan error {
	return c.enqueue([]frameToSend{c.buildControlFrame(op, true, payload)}, true)
}
