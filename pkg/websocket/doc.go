// Package websocket is a client-only implementation of the WebSocket
// protocol (RFC 6455), layered on top of an [net/http] connection that has
// already completed the opening handshake's HTTP/1.1 upgrade.
//
// [Dial] performs the handshake and starts two goroutines per connection: one
// continuously reads and defragments incoming frames, publishing complete
// [Message]s on the channel returned by [Conn.IncomingMessages]; the other
// owns an outbound send queue, so [Conn.SendTextMessage], [Conn.SendBinaryMessage],
// and [Conn.Close] can all be called concurrently without the caller needing
// to serialize writes; pongs are sent automatically in reply to pings.
// Control frames are sent urgently, ahead of queued messages that haven't
// started; a message whose first frame is already written finishes first.
//
// A [Conn] handles its own closing handshake, reassembly of fragmented
// messages (including interleaved control frames), masking of outbound
// frames, UTF-8 validation of inbound text, and frame-level error recovery.
// It does not attempt reconnection: callers that want one should call [Dial]
// again and handle the old connection's closure themselves.
//
// WebSocket [extensions] are not supported; [subprotocols] can be requested
// with [WithProtocols].
//
// [extensions]: https://www.iana.org/assignments/websocket/websocket.xhtml#extension-name
// [subprotocols]: https://www.iana.org/assignments/websocket/websocket.xhtml#subprotocol-name
package websocket
