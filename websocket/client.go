package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DialOptions configures the client-side opening handshake.
type DialOptions struct {
	// Header carries additional request headers (e.g. Authorization,
	// cookies). The handshake-required headers are always set by Dial and
	// override any conflicting entry here.
	Header http.Header

	// Subprotocols is the list offered via Sec-WebSocket-Protocol, in
	// preference order.
	Subprotocols []string

	// TLSConfig is used for wss:// connections. nil uses Go's default TLS
	// configuration.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds dialing the TCP/TLS connection and
	// completing the opening handshake. Default DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// ReadBufferSize and WriteBufferSize size the resulting Conn's stream
	// buffers. Default defaultReadBufferSize / defaultWriteBufferSize.
	ReadBufferSize, WriteBufferSize int

	// Connection is merged over DefaultConfig(ModeClient) to configure the
	// returned Conn. Mode is always forced to ModeClient.
	Connection ConnectionConfig
}

// DefaultHandshakeTimeout bounds Dial end to end when DialOptions omits
// HandshakeTimeout.
const DefaultHandshakeTimeout = 10 * time.Second

// Dial opens a WebSocket client connection to a ws:// or wss:// URL: it
// dials the TCP (or TLS) connection, sends the RFC 6455 opening handshake
// request, validates the server's response, and returns a client-mode
// Conn. The response's selected subprotocol, if any, is available from
// the returned Conn's Subprotocol method.
func Dial(ctx context.Context, rawurl string, opts *DialOptions) (*Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := parseURL(rawurl)
	if err != nil {
		return nil, err
	}

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", target.dialAddr)
	if err != nil {
		return nil, newClientError("dial", err)
	}
	if target.tls {
		tlsConn := tls.Client(netConn, opts.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = netConn.Close()
			return nil, newClientError("tls_handshake", err)
		}
		netConn = tlsConn
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	nonce, err := generateNonce()
	if err != nil {
		_ = netConn.Close()
		return nil, newClientError("nonce", err)
	}

	req := buildHandshakeRequest(target, nonce, opts)
	if err := req.Write(netConn); err != nil {
		_ = netConn.Close()
		return nil, newClientError("write_request", err)
	}

	readBufSize := opts.ReadBufferSize
	if readBufSize == 0 {
		readBufSize = defaultReadBufferSize
	}
	reader := bufio.NewReaderSize(netConn, readBufSize)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		_ = netConn.Close()
		return nil, newClientError("read_response", err)
	}
	defer resp.Body.Close()

	subprotocol, err := validateHandshakeResponse(resp, nonce, opts.Subprotocols)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	_ = netConn.SetDeadline(time.Time{})

	writeBufSize := opts.WriteBufferSize
	if writeBufSize == 0 {
		writeBufSize = defaultWriteBufferSize
	}
	stream := NewNetStream(netConn, reader, nil, readBufSize, writeBufSize)

	cfg := opts.Connection
	cfg.Mode = ModeClient
	if len(cfg.Subprotocols) == 0 {
		cfg.Subprotocols = opts.Subprotocols
	}

	return NewConn(stream, cfg, subprotocol), nil
}

// buildHandshakeRequest assembles the RFC 6455 Section 4.1 opening
// handshake request for target, using nonce as Sec-WebSocket-Key.
func buildHandshakeRequest(target *parsedURL, nonce string, opts *DialOptions) *http.Request {
	header := opts.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Upgrade", "websocket")
	header.Set("Connection", "Upgrade")
	header.Set("Sec-WebSocket-Key", nonce)
	header.Set("Sec-WebSocket-Version", "13")
	if len(opts.Subprotocols) > 0 {
		header.Set("Sec-WebSocket-Protocol", strings.Join(opts.Subprotocols, ", "))
	}

	reqURL := &url.URL{Opaque: target.requestURI}
	return &http.Request{
		Method:     http.MethodGet,
		URL:        reqURL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Host:       target.hostHeader,
	}
}

// validateHandshakeResponse checks a server's handshake response against
// RFC 6455 Section 4.1: status 101, correct Upgrade/Connection tokens, a
// matching Sec-WebSocket-Accept, and (if the client offered any) a
// Sec-WebSocket-Protocol the client actually offered.
func validateHandshakeResponse(resp *http.Response, nonce string, offered []string) (string, error) {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return "", newHandshakeError("status", fmt.Errorf("%w: got %d", ErrUnexpectedStatus, resp.StatusCode))
	}
	if !headerContainsToken(resp.Header.Get("Upgrade"), "websocket") {
		return "", newHandshakeError("upgrade", ErrMissingUpgrade)
	}
	if !headerContainsToken(resp.Header.Get("Connection"), "upgrade") {
		return "", newHandshakeError("connection", ErrMissingConnection)
	}

	want := computeAcceptKey(nonce)
	got := resp.Header.Get("Sec-WebSocket-Accept")
	if got != want {
		return "", newHandshakeError("accept", ErrAcceptMismatch)
	}

	subprotocol := resp.Header.Get("Sec-WebSocket-Protocol")
	if subprotocol != "" {
		found := false
		for _, o := range offered {
			if o == subprotocol {
				found = true
				break
			}
		}
		if !found {
			return "", newHandshakeError("subprotocol", ErrUnofferedProtocol)
		}
	}

	return subprotocol, nil
}

// generateNonce returns a fresh base64-encoded 16-byte Sec-WebSocket-Key,
// per RFC 6455 Section 4.1's requirement that it be "a randomly selected
// 16-byte value that has been base64-encoded".
func generateNonce() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}
