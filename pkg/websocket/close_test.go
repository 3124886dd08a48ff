package websocket

import (
	"encoding/binary"
	"testing"
)

func TestValidUTF8(t *testing.T) {
	tests := []struct {
		name string
		s    string
		want string
	}{
		{
			name: "ascii",
			s:    "This is an ASCII string without multi-byte characters",
			want: "This is an ASCII string without multi-byte characters",
		},
		{
			name: "valid_multi_bytes",
			s:    "こんにちは世界", //nolint:gosmopolitan // Test string.
			want: "こんにちは世界", //nolint:gosmopolitan // Test string.
		},
		{
			name: "invalid_multi_bytes",
			s:    "こんにちは世界"[:len("こんにちは世界")-1], //nolint:gosmopolitan // Test string.
			want: "こんにちは世",                     //nolint:gosmopolitan // Test string.
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validUTF8(tt.s); got != tt.want {
				t.Errorf("validUTF8() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckClosePayload(t *testing.T) {
	tests := []struct {
		name   string
		status StatusCode
		want   StatusCode
	}{
		{name: "normal_closure", status: StatusNormalClosure, want: StatusNormalClosure},
		{name: "going_away", status: StatusGoingAway, want: StatusGoingAway},
		{name: "unsupported_data", status: StatusUnsupportedData, want: StatusUnsupportedData},
		{name: "reserved_1004", status: 1004, want: StatusProtocolError},
		{name: "not_received_pseudo_code", status: StatusNotReceived, want: StatusProtocolError},
		{name: "closed_abnormally_pseudo_code", status: StatusClosedAbnormally, want: StatusProtocolError},
		{name: "invalid_data", status: StatusInvalidData, want: StatusInvalidData},
		{name: "internal_error", status: StatusInternalError, want: StatusInternalError},
		{name: "service_restart_out_of_range", status: StatusServiceRestart, want: StatusProtocolError},
		{name: "tls_handshake_out_of_range", status: StatusTLSHandshake, want: StatusProtocolError},
		{name: "below_1000", status: 500, want: StatusProtocolError},
		{name: "library_reserved_range", status: 3000, want: 3000},
		{name: "private_use_range", status: 4999, want: 4999},
		{name: "above_private_use_range_5000", status: 5000, want: StatusProtocolError},
		{name: "above_private_use_range_9999", status: 9999, want: StatusProtocolError},
		{name: "above_private_use_range_max_uint16", status: 65535, want: StatusProtocolError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := checkClosePayload(tt.status, "")
			if got != tt.want {
				t.Errorf("checkClosePayload(%d) = %d, want %d", tt.status, got, tt.want)
			}
		})
	}
}

// TestCloseSendsReason verifies the caller-supplied reason in [Conn.Close]
// actually reaches the wire, by running the writer goroutine against an
// in-memory buffer and unmasking the resulting close frame's payload.
func TestCloseSendsReason(t *testing.T) {
	c, buf := newTestConn(t)
	c.writer = make(chan writeRequest)
	go c.writeMessages()

	c.Close(StatusGoingAway, "goodbye")

	data := buf.Bytes()
	if len(data) < 6 {
		t.Fatalf("written close frame too short: %d bytes", len(data))
	}

	payloadLen := int(data[1] & 0x7f)
	key := data[2:6]
	payload := make([]byte, payloadLen)
	copy(payload, data[6:6+payloadLen])
	for i := range payload {
		payload[i] ^= key[i%4]
	}

	gotStatus := StatusCode(binary.BigEndian.Uint16(payload[:2]))
	if gotStatus != StatusGoingAway {
		t.Errorf("close frame status = %d, want %d", gotStatus, StatusGoingAway)
	}

	gotReason := string(payload[2:])
	if gotReason != "goodbye" {
		t.Errorf("close frame reason = %q, want %q", gotReason, "goodbye")
	}
}
