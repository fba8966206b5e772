package websocket

// Exports of unexported identifiers the test suite needs, kept in their
// own file per the teacher's export_test.go convention so production
// files never carry test-only surface.

// DecodeInPlaceAllowRSVForTest exposes decodeInPlaceAllowRSV for testing
// the extension RSV-relaxation path directly, without negotiating a real
// Extension end to end.
func DecodeInPlaceAllowRSVForTest(buf []byte, requireMasked, allowRSV1, allowRSV2, allowRSV3 bool) (*DecodeOutcome, error) {
	return decodeInPlaceAllowRSV(buf, requireMasked, allowRSV1, allowRSV2, allowRSV3)
}

// GenerateMaskKeyForTest exposes generateMaskKey so tests can assert it
// never returns the all-zero key across many samples (a regression guard
// for the fixed-mask-key defect this package replaced).
func GenerateMaskKeyForTest() ([4]byte, error) {
	return generateMaskKey()
}

// PeekPayloadLenForTest exposes peekPayloadLen for direct unit testing of
// the header pre-parse Conn.readFrame relies on.
func PeekPayloadLenForTest(buf []byte) (int, error) {
	return peekPayloadLen(buf)
}

// NewConnForTest constructs a Conn directly over an already-built Stream,
// bypassing the HTTP handshake, for tests that want to drive the
// connection state machine against an in-memory pipe.
func NewConnForTest(stream Stream, cfg ConnectionConfig, subprotocol string) *Conn {
	return NewConn(stream, cfg, subprotocol)
}

// InjectFragmentStateForTest seeds the fragment-reassembly fields
// directly, for table-driven tests of Read's continuation handling that
// don't want to construct a full in-progress multi-frame stream.
func InjectFragmentStateForTest(c *Conn, inFragment bool, pendingOpcode Opcode) {
	c.inFragment = inFragment
	c.pendingOpcode = pendingOpcode
}

// ComputeAcceptKeyForTest exposes computeAcceptKey for the RFC 6455
// Section 1.3 test vector.
func ComputeAcceptKeyForTest(key string) string {
	return computeAcceptKey(key)
}

// HeaderContainsTokenForTest exposes headerContainsToken for direct unit
// testing.
func HeaderContainsTokenForTest(header, token string) bool {
	return headerContainsToken(header, token)
}

// ParseURLForTest exposes parseURL's derived fields for direct testing.
func ParseURLForTest(rawurl string) (tls bool, hostHeader, requestURI, dialAddr string, err error) {
	u, err := parseURL(rawurl)
	if err != nil {
		return false, "", "", "", err
	}
	return u.tls, u.hostHeader, u.requestURI, u.dialAddr, nil
}
