package websocket

import (
	"bufio"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// Conn respresents the configuration and state of
// an open client connection to a WebSocket server.
type Conn struct {
	// Initialized before the handshake.
	logger  *slog.Logger
	client  *http.Client
	headers http.Header

	config       Config
	optErr       error
	maxRedirects int

	// Initialized after the handshake.
	bufio  *bufio.ReadWriter
	reader chan Message
	writer chan writeRequest
	closer io.ReadWriteCloser

	// activeStream is owned exclusively by the [Conn.writeMessages]
	// goroutine; pool blocks are taken by sending goroutines and
	// released by it (the pool is safe for concurrent use).
	pool         *connPool
	activeStream streamState

	// No need for synchronization: value changes are possible only in
	// one direction (false to true), and are always done by a single
	// function, which is guaranteed to run in a single goroutine.
	closeReceived bool

	closeSent   bool
	closeSentMu sync.RWMutex

	// Only for the purpose of minimizing memory allocations (safely),
	// not for state management or memory sharing of any kind.
	readBuf  [8]byte
	writeBuf [8]byte
	closeBuf [maxControlPayload]byte

	// For unit-testing only.
	nonceGen io.Reader
}

// Message with WebSocket data, from one or more (defragmented) data frames,
// as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-5.6.
// Returned by the Go channel that is exposed by [Conn.IncomingMessages].
type Message struct {
	Opcode Opcode
	Data   []byte
}

// IncomingMessages returns the connection's channel that publishes
// data [Message]s as they are received from the server.
func (c *Conn) IncomingMessages() <-chan Message {
	return c.reader
}

// readMessages runs as a [Conn] goroutine, to call [Conn.readMessage]
// continuously, in order to process control and data frames, and
// publish data [Message]s to the connection's subscribers.
func (c *Conn) readMessages() {
	msg := c.readMessage()
	for msg != nil {
		c.reader <- *msg
		msg = c.readMessage()
	}
	close(c.reader)
}
