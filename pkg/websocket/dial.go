package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1" //gosec:disable G505 // Required by the WebSocket protocol.
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/lithammer/shortuuid/v4"

	"github.com/riftwire/wsengine/internal/logger"
)

type DialOpt func(*Conn)

// Config holds the resolved, immutable-after-dial settings of a [Conn].
// Its zero value is valid; each accessor below applies the default that
// [Dial] would otherwise apply explicitly.
type Config struct {
	maxPayload       int
	expect101        bool
	protocols        []string
	validateRecvText *bool
}

// defaultMaxPayloadSize bounds a single WebSocket frame's payload when no
// [WithMaxPayloadSize] option is given, matching curlws's own default
// (priv->cfg.max_payload_size in curlws.c).
const defaultMaxPayloadSize = 1024

func (cfg Config) maxPayloadSize() int {
	if cfg.maxPayload > 0 {
		return cfg.maxPayload
	}
	return defaultMaxPayloadSize
}

func (cfg Config) validateReceivedText() bool {
	if cfg.validateRecvText != nil {
		return *cfg.validateRecvText
	}
	return true
}

// extraHeaderDisallowList is the set of headers [Dial] manages itself as
// part of the opening handshake; callers cannot override them via
// [WithHTTPHeader] or [WithHTTPHeaders].
var extraHeaderDisallowList = map[string]bool{
	"upgrade":                true,
	"connection":             true,
	"expect":                 true,
	"transfer-encoding":      true,
	"sec-websocket-key":      true,
	"sec-websocket-version":  true,
	"sec-websocket-accept":   true,
	"sec-websocket-protocol": true,
}

// WithHTTPClient lets callers of [Dial] specify a custom [http.Client]
// to use for the WebSocket handshake, instead of [http.DefaultClient].
//
// Do not specify a custom timeout in the HTTP client! This will interfere with
// the long-lived WebSocket connection beyond the scope of its initial handshake.
// Instead, use [context.WithTimeout] with the [context.Context] passed to [Dial].
func WithHTTPClient(hc *http.Client) DialOpt {
	return func(c *Conn) {
		c.client = hc
	}
}

// WithHTTPHeader lets callers of [Dial] add a single HTTP header to the WebSocket
// handshake's HTTP request. Use [WithHTTPHeaders] to specify multiple ones.
//
// [ErrInvalidOptions] is recorded (surfaced by the next call that checks
// [Conn] errors) if key collides with a header [Dial] manages itself, such
// as "Sec-WebSocket-Key" or "Upgrade".
func WithHTTPHeader(key, value string) DialOpt {
	return func(c *Conn) {
		if extraHeaderDisallowList[strings.ToLower(key)] {
			c.optErr = fmt.Errorf("%w: header %q is managed internally by Dial", ErrInvalidOptions, key)
			return
		}
		c.headers.Add(key, value)
	}
}

// WithHTTPHeaders lets callers of [Dial] add multiple HTTP headers to the WebSocket
// handshake's HTTP request, instead of calling [WithHTTPHeader] multiple times.
func WithHTTPHeaders(hs http.Header) DialOpt {
	return func(c *Conn) {
		for key := range hs {
			if extraHeaderDisallowList[strings.ToLower(key)] {
				c.optErr = fmt.Errorf("%w: header %q is managed internally by Dial", ErrInvalidOptions, key)
				return
			}
		}
		for key, values := range hs.Clone() {
			for _, v := range values {
				c.headers.Add(key, v)
			}
		}
	}
}

// WithMaxPayloadSize overrides the default maximum payload size (1024
// bytes) of a single outbound or inbound WebSocket frame. Outbound messages
// larger than this are transparently split across multiple frames; inbound
// messages larger than this fail the connection with [StatusMessageTooBig].
func WithMaxPayloadSize(n int) DialOpt {
	return func(c *Conn) {
		if n <= 0 {
			c.optErr = fmt.Errorf("%w: max payload size must be positive", ErrInvalidOptions)
			return
		}
		c.config.maxPayload = n
	}
}

// WithProtocols sets the "Sec-WebSocket-Protocol" header's requested
// subprotocols, in preference order.
func WithProtocols(protocols ...string) DialOpt {
	return func(c *Conn) {
		c.config.protocols = protocols
	}
}

// WithExpect101 adds an "Expect: 101" header to the handshake request, and
// additionally requires a literal "HTTP/1.1 101" status line on the
// response (on top of the status code check already performed
// unconditionally). Some HTTP intermediaries hold back a request body
// until they've seen a "100 Continue"-style provisional response; sending
// "Expect: 101" tells them to expect the protocol switch instead.
func WithExpect101(expect bool) DialOpt {
	return func(c *Conn) {
		c.config.expect101 = expect
	}
}

// WithValidateReceivedText controls whether inbound TEXT messages are
// validated as UTF-8 (failing the connection with [StatusInvalidData] if
// not). Defaults to true, per https://datatracker.ietf.org/doc/html/rfc6455#section-8.1.
// Disabling it is occasionally useful against servers that send
// marginally-invalid text (e.g. mid-stream replacement characters) that
// callers would rather inspect themselves than have the connection fail.
func WithValidateReceivedText(validate bool) DialOpt {
	return func(c *Conn) {
		c.config.validateRecvText = &validate
	}
}

// WithMaxRedirects caps how many HTTP redirects the handshake request will
// follow before failing: -1 means unlimited (the default, i.e. whatever the
// [http.Client] would otherwise do), 0 rejects any redirect, and n >= 1
// follows at most n of them.
func WithMaxRedirects(n int) DialOpt {
	return func(c *Conn) {
		c.maxRedirects = n
	}
}

// Dial performs a [WebSocket handshake] to establish
// a connection to the given URL ("ws://..." or "wss://").
//
// [WebSocket handshake]: https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func Dial(ctx context.Context, wsURL string, opts ...DialOpt) (*Conn, error) {
	// Initialize optional configuration details and internal helpers.
	id := shortuuid.New()
	c := &Conn{
		logger:       logger.FromContext(ctx).With(slog.String("connection_id", id)),
		headers:      http.Header{},
		nonceGen:     rand.Reader,
		maxRedirects: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.optErr != nil {
		return nil, c.optErr
	}

	if c.client == nil {
		c.client = adjustHTTPClient(*http.DefaultClient, c.maxRedirects)
	} else {
		c.client = adjustHTTPClient(*c.client, c.maxRedirects)
	}

	// Send handshake request & check response.
	nonce, err := generateNonce(c.nonceGen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce for WebSocket handshake: %w", err)
	}
	req, err := c.handshakeRequest(ctx, wsURL, nonce)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send WebSocket handshake request: %w", err)
	}
	if err = c.checkHandshakeResponse(resp, nonce); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	// Post-handshake connection state initializations.
	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		return nil, fmt.Errorf("WebSocket handshake response body type: got %T, want io.ReadWriteCloser", resp.Body)
	}

	c.bufio = bufio.NewReadWriter(bufio.NewReader(rwc), bufio.NewWriter(rwc))
	c.reader = make(chan Message)
	c.writer = make(chan writeRequest)
	c.closer = rwc
	c.pool = newConnPool(c.config.maxPayloadSize())

	go c.readMessages()
	go c.writeMessages()

	c.logger.Debug("WebSocket connection initialized")
	return c, nil
}

// adjustHTTPClient returns a modified shallow copy of the given [http.Client].
// maxRedirects follows [WithMaxRedirects]'s contract: -1 is unlimited, 0
// rejects any redirect, and n >= 1 follows at most n of them.
func adjustHTTPClient(c http.Client, maxRedirects int) *http.Client {
	// Wrap the HTTP client's CheckRedirect function, to convert
	// ws/wss URL schemes to http/https, respectively, and to enforce a
	// caller-specified redirect limit.
	origCheckRedirect := c.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		switch req.URL.Scheme {
		case "ws":
			req.URL.Scheme = "http"
		case "wss":
			req.URL.Scheme = "https"
		}

		if maxRedirects == 0 || (maxRedirects > 0 && len(via) >= maxRedirects) {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}

		if origCheckRedirect != nil {
			return origCheckRedirect(req, via)
		}
		return nil
	}

	return &c
}

// generateNonce generates a nonce consisting of a randomly
// selected 16-byte value that has been Base64-encoded. The
// nonce MUST be selected randomly for each connection.
func generateNonce(r io.Reader) (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// handshakeRequest implements the client request details
// in https://datatracker.ietf.org/doc/html/rfc6455#section-4.1.
func (c *Conn) handshakeRequest(ctx context.Context, wsURL, nonce string) (*http.Request, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse WebSocket URL: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
		// Do nothing.
	default:
		return nil, fmt.Errorf("unexpected WebSocket URL scheme: %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebSocket handshake request: %w", err)
	}

	req.Header = c.headers.Clone()
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", nonce)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if len(c.config.protocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(c.config.protocols, ", "))
	}
	if c.config.expect101 {
		req.Header.Set("Expect", "101")
	}
	// Sec-WebSocket-Extensions.

	return req, nil
}

// checkHandshakeResponse checks the server response details in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func (c *Conn) checkHandshakeResponse(resp *http.Response, nonce string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		msg := "WebSocket handshake response status: got %d, want %d"
		msg = fmt.Sprintf(msg, resp.StatusCode, http.StatusSwitchingProtocols)

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if len(body) > 0 {
			msg = fmt.Sprintf("%s (%s)", msg, string(body))
		}

		return errors.New(msg)
	}

	if c.config.expect101 && resp.Proto != "" && resp.Status != "" &&
		(resp.Proto != "HTTP/1.1" || !strings.HasPrefix(resp.Status, "101")) {
		return fmt.Errorf("WebSocket handshake response status line: got %q, want prefix %q",
			resp.Proto+" "+resp.Status, "HTTP/1.1 101")
	}

	if err := checkHTTPHeader(resp.Header, "Upgrade", "websocket"); err != nil {
		return err
	}

	if err := checkHTTPHeader(resp.Header, "Connection", "Upgrade"); err != nil {
		return err
	}

	want := expectedServerAcceptValue(nonce)
	if err := checkHTTPHeader(resp.Header, "Sec-WebSocket-Accept", want); err != nil {
		return err
	}

	if len(c.config.protocols) > 0 {
		got := resp.Header.Get("Sec-WebSocket-Protocol")
		if got != "" && !slices.Contains(c.config.protocols, got) {
			return fmt.Errorf("WebSocket handshake response header %q: got %q, want one of %v",
				"Sec-WebSocket-Protocol", got, c.config.protocols)
		}
	}

	// Sec-WebSocket-Extensions.

	return nil
}

func checkHTTPHeader(headers http.Header, key, want string) error {
	if got := headers.Get(key); !strings.EqualFold(got, want) {
		return fmt.Errorf("WebSocket handshake response header %q: got %q, want %q", key, got, want)
	}
	return nil
}

var acceptGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// expectedServerAcceptValue constructs the expected value of the "Sec-WebSocket-Accept"
// header, as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func expectedServerAcceptValue(key string) string {
	h := sha1.New() //gosec:disable G401 // Required by the WebSocket protocol.
	h.Write([]byte(key))
	h.Write(acceptGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
