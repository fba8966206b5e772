package websocket

import (
	"fmt"
	"net/url"
)

// parsedURL is the result of validating a ws:// or wss:// URL for Dial.
type parsedURL struct {
	tls        bool
	hostHeader string // Host header value, with default ports elided
	requestURI string // path (+ query), defaulting to "/"
	dialAddr   string // host:port suitable for net.Dial
}

// parseURL validates rawurl as a WebSocket URL (RFC 6455 Section 3) and
// derives the values Dial needs to open the TCP connection and build the
// opening handshake request. Only the ws and wss schemes are accepted.
func parseURL(rawurl string) (*parsedURL, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, newClientError("parse_url", err)
	}

	var tls bool
	var defaultPort string
	switch u.Scheme {
	case "ws":
		tls = false
		defaultPort = "80"
	case "wss":
		tls = true
		defaultPort = "443"
	default:
		return nil, newClientError("parse_url", fmt.Errorf("unsupported scheme %q, want ws or wss", u.Scheme))
	}

	if u.Hostname() == "" {
		return nil, newClientError("parse_url", fmt.Errorf("missing host in %q", rawurl))
	}

	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	hostHeader := u.Hostname()
	if port != defaultPort {
		hostHeader = u.Hostname() + ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	requestURI := path
	if u.RawQuery != "" {
		requestURI += "?" + u.RawQuery
	}

	return &parsedURL{
		tls:        tls,
		hostHeader: hostHeader,
		requestURI: requestURI,
		dialAddr:   u.Hostname() + ":" + port,
	}, nil
}
