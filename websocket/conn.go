package websocket

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"
	"unicode/utf8"
)

// Conn represents one WebSocket connection (RFC 6455) driven over a
// Stream. Conn provides message-level Read/Write, automatically handling
// fragmentation reassembly, interleaved control frames, UTF-8 validation
// of text messages, and the close handshake.
//
// Conn expects to be driven by a single reader goroutine calling Read in
// a loop; Write, Ping, Pong, and Close may be called concurrently from
// other goroutines and are serialized against each other and against
// Read's own control-frame replies by writeMu.
type Conn struct {
	stream Stream
	cfg    ConnectionConfig
	mode   Mode

	stateMu sync.RWMutex
	state   ConnectionState

	writeMu   sync.Mutex
	closeOnce sync.Once
	sentClose bool

	// Fragment reassembly state (RFC 6455 Section 5.4). Owned by the
	// single goroutine calling Read; not synchronized.
	fragmentBuf   bytes.Buffer
	pendingOpcode Opcode
	inFragment    bool

	awaitingPong bool
	lastPongTime time.Time

	subprotocol string

	// headerBuf is the reusable scratch buffer the receive loop assembles
	// one frame's raw bytes into before handing them to
	// decodeInPlaceAllowRSV. It is reset (not reallocated) between reads;
	// the Message returned to the caller never aliases it.
	headerBuf []byte
}

// NewConn constructs a Conn over stream with the given configuration.
// subprotocol is the value negotiated during the opening handshake, if
// any; pass "" when none was negotiated.
func NewConn(stream Stream, cfg ConnectionConfig, subprotocol string) *Conn {
	cfg = cfg.normalize()
	return &Conn{
		stream:      stream,
		cfg:         cfg,
		mode:        cfg.Mode,
		state:       StateOpen,
		subprotocol: subprotocol,
	}
}

// Subprotocol returns the subprotocol negotiated during the opening
// handshake, or "" if none was negotiated. Immutable after construction.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// State returns the connection's current lifecycle state.
func (c *Conn) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Connected reports whether the connection can still be used for sends.
func (c *Conn) Connected() bool {
	return c.State() == StateOpen && c.stream.Connected()
}

func (c *Conn) setState(s ConnectionState) {
	c.stateMu.Lock()
	old := c.state
	c.state = s
	c.stateMu.Unlock()
	if old != s {
		c.cfg.logEvent("state_change", map[string]any{"from": old.String(), "to": s.String()})
	}
}

// AwaitingPong reports whether a Ping was sent and no Pong has been
// observed yet, for heartbeat introspection.
func (c *Conn) AwaitingPong() bool { return c.awaitingPong }

// LastPongTime returns the time the most recent Pong was observed. Zero
// if none has ever been observed.
func (c *Conn) LastPongTime() time.Time { return c.lastPongTime }

// WriteText sends a Text message as a single, unfragmented frame.
func (c *Conn) WriteText(text string) error {
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	return c.writeData(OpText, []byte(text))
}

// WriteBinary sends a Binary message as a single, unfragmented frame.
func (c *Conn) WriteBinary(data []byte) error {
	return c.writeData(OpBinary, data)
}

// Write sends data as a single frame of the given MessageType, dispatching
// to WriteText or WriteBinary. It exists for callers that want to echo a
// Message returned by Read without a type switch of their own; msgType
// must be TextMessage or BinaryMessage.
func (c *Conn) Write(msgType MessageType, data []byte) error {
	switch msgType {
	case TextMessage:
		return c.WriteText(string(data))
	case BinaryMessage:
		return c.WriteBinary(data)
	default:
		return ErrInvalidMessageType
	}
}

// WriteJSON marshals v and sends it as a Text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteText(string(data))
}

// ReadJSON reads the next message, requires it to be a Text message, and
// unmarshals its payload into v.
func (c *Conn) ReadJSON(v any) error {
	msg, err := c.Read()
	if err != nil {
		return err
	}
	if msg.Type != TextMessage {
		return ErrInvalidMessageType
	}
	return json.Unmarshal(msg.Data, v)
}

func (c *Conn) writeData(opcode Opcode, payload []byte) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	return c.writeFrame(opcode, payload, true)
}

// Ping sends a Ping control frame. payload must be <= 125 bytes.
func (c *Conn) Ping(payload []byte) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	if len(payload) > maxControlPayload {
		return ErrControlTooLarge
	}
	if err := c.writeFrame(OpPing, payload, true); err != nil {
		return err
	}
	c.awaitingPong = true
	return nil
}

// Pong sends a Pong control frame. payload must be <= 125 bytes. Read
// already answers Pings automatically unless DisableAutoPong is set, so
// manual use is for unsolicited pongs or custom ping handling.
func (c *Conn) Pong(payload []byte) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	if len(payload) > maxControlPayload {
		return ErrControlTooLarge
	}
	return c.writeFrame(OpPong, payload, true)
}

// writeFrame builds, transforms via the extension chain, masks (if in
// ModeClient), and sends one frame. It holds writeMu for the duration,
// which also serializes against this package's decision not to support
// outbound fragmentation: every call sends one complete frame, so no
// interleaving window ever opens (RFC 6455 Section 5.1).
func (c *Conn) writeFrame(opcode Opcode, payload []byte, fin bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	f := &Frame{Fin: fin, Opcode: opcode, Payload: payload}

	if len(c.cfg.Extensions) > 0 {
		var err error
		f, err = applyOutgoing(c.cfg.Extensions, f)
		if err != nil {
			return err
		}
	}

	if c.mode == ModeClient {
		key, err := generateMaskKey()
		if err != nil {
			return err
		}
		f.Masked = true
		f.MaskKey = key
	}

	encoded, err := Encode(f)
	if err != nil {
		return err
	}
	if err := c.stream.Write(encoded); err != nil {
		c.setState(StateClosed)
		return err
	}
	return nil
}

// Read drives the state machine, consuming frames from the stream until
// it can return one application message. Control frames are handled
// transparently: Pings are auto-answered (unless DisableAutoPong),
// solicited/unsolicited Pongs update heartbeat bookkeeping and are then
// returned as a PongMessage, and a Close frame terminates the connection
// and is reported as a *ConnectionClosed error rather than a Message.
//
//nolint:gocyclo,cyclop // the RFC 6455 receive algorithm has an irreducible number of cases
func (c *Conn) Read() (Message, error) {
	for {
		if c.State() == StateClosed {
			return Message{}, &ConnectionClosed{Code: CloseAbnormalClosure}
		}

		f, err := c.readFrame()
		if err != nil {
			return Message{}, c.handleReadError(err)
		}

		switch f.Opcode {
		case OpPing:
			if !c.cfg.DisableAutoPong {
				if err := c.Pong(f.Payload); err != nil {
					return Message{}, err
				}
				continue
			}
			return Message{Type: PingMessage, Data: cloneBytes(f.Payload)}, nil

		case OpPong:
			c.awaitingPong = false
			c.lastPongTime = time.Now()
			return Message{Type: PongMessage, Data: cloneBytes(f.Payload)}, nil

		case OpClose:
			return Message{}, c.handleCloseFrame(f.Payload)

		case OpText, OpBinary:
			if c.inFragment {
				_ = c.protocolClose(CloseProtocolError, "unexpected new data frame mid-fragment")
				return Message{}, &ConnectionClosed{Code: CloseProtocolError, Reason: "unexpected new data frame mid-fragment", Err: ErrUnexpectedDataFrame}
			}
			if f.Fin {
				if len(f.Payload) > c.cfg.MaxMessageSize {
					_ = c.protocolClose(CloseMessageTooBig, "message too large")
					return Message{}, &ConnectionClosed{Code: CloseMessageTooBig, Reason: "message too large", Err: ErrMessageTooLarge}
				}
				return c.finalizeMessage(MessageType(f.Opcode), f.Payload)
			}
			c.inFragment = true
			c.pendingOpcode = f.Opcode
			c.fragmentBuf.Reset()
			c.fragmentBuf.Write(f.Payload)
			if c.fragmentBuf.Len() > c.cfg.MaxMessageSize {
				_ = c.protocolClose(CloseMessageTooBig, "message too large")
				return Message{}, &ConnectionClosed{Code: CloseMessageTooBig, Reason: "message too large", Err: ErrMessageTooLarge}
			}

		case OpContinuation:
			if !c.inFragment {
				_ = c.protocolClose(CloseProtocolError, "unexpected continuation")
				return Message{}, &ConnectionClosed{Code: CloseProtocolError, Reason: "unexpected continuation", Err: ErrUnexpectedContinuation}
			}
			c.fragmentBuf.Write(f.Payload)
			if c.fragmentBuf.Len() > c.cfg.MaxMessageSize {
				_ = c.protocolClose(CloseMessageTooBig, "message too large")
				return Message{}, &ConnectionClosed{Code: CloseMessageTooBig, Reason: "message too large", Err: ErrMessageTooLarge}
			}
			if f.Fin {
				c.inFragment = false
				msgType := MessageType(c.pendingOpcode)
				payload := append([]byte(nil), c.fragmentBuf.Bytes()...)
				c.fragmentBuf.Reset()
				return c.finalizeMessage(msgType, payload)
			}
		}
	}
}

// finalizeMessage validates UTF-8 for text messages at the message level
// (RFC 6455 Section 8.1 judges a fragmented text message's validity only
// once it is fully reassembled), closing with 1007 on invalid UTF-8.
func (c *Conn) finalizeMessage(msgType MessageType, payload []byte) (Message, error) {
	if msgType == TextMessage && !utf8.Valid(payload) {
		_ = c.protocolClose(CloseInvalidFramePayloadData, "invalid UTF-8")
		return Message{}, &ConnectionClosed{Code: CloseInvalidFramePayloadData, Reason: "Invalid UTF-8"}
	}
	return Message{Type: msgType, Data: cloneBytes(payload)}, nil
}

// readFrame performs the blocking, exact-size reads the receive algorithm
// requires (header, extended length, mask key, payload), then hands the
// assembled bytes to the codec's in-place decoder for validation and
// unmasking — Conn owns the I/O, frame.go owns the wire format.
func (c *Conn) readFrame() (*Frame, error) {
	header, err := c.stream.ReadFull(2)
	if err != nil {
		return nil, err
	}

	c.headerBuf = c.headerBuf[:0]
	c.headerBuf = append(c.headerBuf, header...)

	lenField := header[1] & 0x7F
	switch lenField {
	case payloadLen16Bit:
		rest, err := c.stream.ReadFull(2)
		if err != nil {
			return nil, err
		}
		c.headerBuf = append(c.headerBuf, rest...)
	case payloadLen64Bit:
		rest, err := c.stream.ReadFull(8)
		if err != nil {
			return nil, err
		}
		c.headerBuf = append(c.headerBuf, rest...)
	}

	masked := header[1]&0x80 != 0
	if masked {
		maskKey, err := c.stream.ReadFull(4)
		if err != nil {
			return nil, err
		}
		c.headerBuf = append(c.headerBuf, maskKey...)
	}

	payloadLen, err := peekPayloadLen(c.headerBuf)
	if err != nil {
		return nil, err
	}
	if payloadLen > c.cfg.MaxFrameSize {
		_ = c.protocolClose(CloseProtocolError, "frame too large")
		return nil, ErrFrameTooLarge
	}

	if payloadLen > 0 {
		payload, err := c.stream.ReadFull(payloadLen)
		if err != nil {
			return nil, err
		}
		c.headerBuf = append(c.headerBuf, payload...)
	}

	requireMasked := c.mode == ModeServer
	allow1, allow2, allow3 := claimedRSV(c.cfg.Extensions)
	outcome, err := decodeInPlaceAllowRSV(c.headerBuf, requireMasked, allow1, allow2, allow3)
	if err != nil {
		_ = c.protocolClose(CloseProtocolError, "protocol error")
		return nil, err
	}

	f := outcome.Frame
	if len(c.cfg.Extensions) > 0 {
		f, err = applyIncoming(c.cfg.Extensions, f)
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

// peekPayloadLen re-derives the payload length from an already-assembled
// header+extended-length prefix, without re-validating anything else;
// full validation happens in decodeInPlaceAllowRSV right after.
func peekPayloadLen(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, &IncompleteFrameError{Needed: 2 - len(buf)}
	}
	lenField := uint64(buf[1] & 0x7F)
	switch lenField {
	case payloadLen16Bit:
		if len(buf) < 4 {
			return 0, &IncompleteFrameError{Needed: 4 - len(buf)}
		}
		return int(binary.BigEndian.Uint16(buf[2:4])), nil
	case payloadLen64Bit:
		if len(buf) < 10 {
			return 0, &IncompleteFrameError{Needed: 10 - len(buf)}
		}
		n := binary.BigEndian.Uint64(buf[2:10])
		if n&(1<<63) != 0 {
			return 0, ErrInvalidLength
		}
		if n > uint64(1<<31) {
			return 0, ErrFrameTooLarge
		}
		return int(n), nil
	default:
		return int(lenField), nil
	}
}

// handleReadError classifies a failure from readFrame into the taxonomy
// Read promises: a stream failure or an incomplete read (ReadFull never
// returns a short read, so this means the peer vanished mid-frame)
// becomes ConnectionClosed(Abnormal); anything else (a ProtocolError
// sentinel, which readFrame has already turned into a local close) is
// reported as-is.
func (c *Conn) handleReadError(err error) error {
	var se *StreamError
	if errors.As(err, &se) {
		c.setState(StateClosed)
		return &ConnectionClosed{Code: CloseAbnormalClosure, Err: se}
	}
	var incomplete *IncompleteFrameError
	if errors.As(err, &incomplete) {
		c.setState(StateClosed)
		return &ConnectionClosed{Code: CloseAbnormalClosure, Err: err}
	}
	return err
}

// handleCloseFrame implements the receive-side half of the close
// handshake (RFC 6455 Section 7.1.5): record the peer's code/reason, echo
// a Close if we had not already sent one, mark Closed, and report the
// event as a *ConnectionClosed.
func (c *Conn) handleCloseFrame(payload []byte) error {
	code := CloseNoStatusReceived
	reason := ""
	if len(payload) >= 2 {
		code = CloseCode(binary.BigEndian.Uint16(payload[:2]))
		reason = string(payload[2:])
	}

	c.setState(StateClosingRemote)
	c.cfg.logEvent("close_received", map[string]any{"code": code, "reason": reason})

	c.writeMu.Lock()
	alreadySent := c.sentClose
	c.writeMu.Unlock()
	if !alreadySent {
		_ = c.sendCloseFrame(code, "") // best-effort echo
	}

	c.setState(StateClosed)
	_ = c.stream.Close()

	return &ConnectionClosed{Code: code, Reason: reason}
}

// protocolClose issues the best-effort local Close the wire decoder
// requires whenever a ProtocolError is detected during readFrame or
// finalizeMessage, then leaves the connection Closed.
func (c *Conn) protocolClose(code CloseCode, reason string) error {
	_ = c.Close(code, reason)
	return nil
}

// Close performs the RFC 6455 Section 7.1.2 closing handshake: if we have
// not already sent a Close, transition to ClosingLocal, send one Close
// frame, then drain incoming frames until either the peer's Close is
// observed or the configured drain budget (frame count AND wall clock)
// elapses. It always closes the underlying stream before returning, and
// is idempotent — safe to call more than once, from any state.
//
// Close never returns an error: failures of the initial send, the drain
// or the echo are swallowed and observable only through Connected()
// afterward.
func (c *Conn) Close(code CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		c.setState(StateClosingLocal)
		_ = c.sendCloseFrame(code, reason)
		c.cfg.logEvent("close_sent", map[string]any{"code": code, "reason": reason})

		// The drain runs in its own goroutine so a peer that sends nothing
		// cannot hold Close in a blocking read past CloseDrainTimeout; closing
		// the stream below ends that read.
		drained := make(chan struct{})
		go func() {
			c.drainUntilPeerClose()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(c.cfg.CloseDrainTimeout):
		}

		c.setState(StateClosed)
		_ = c.stream.Close()
	})
	return nil
}

func (c *Conn) sendCloseFrame(code CloseCode, reason string) error {
	c.writeMu.Lock()
	if c.sentClose {
		c.writeMu.Unlock()
		return nil
	}
	c.sentClose = true
	c.writeMu.Unlock()

	// Synthetic codes (1005/1006/1015) must never appear on the wire
	// (RFC 6455 Section 7.4); they are served as a Close with no payload.
	var payload []byte
	if code != 0 && !isSyntheticCloseCode(code) {
		payload = make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(payload, uint16(code))
		copy(payload[2:], reason)
	}

	return c.writeFrame(OpClose, payload, true)
}

// drainUntilPeerClose reads frames (ignoring everything but the peer's own
// Close) until that Close is observed, the iteration cap is hit, or the
// wall-clock deadline elapses. Both bounds are enforced independently: a
// peer that never sends Close at all must not hang the caller past
// CloseDrainTimeout, and a peer that floods frames without ever closing
// must not be read from indefinitely just because the deadline has not
// yet elapsed.
func (c *Conn) drainUntilPeerClose() {
	deadline := time.Now().Add(c.cfg.CloseDrainTimeout)
	for i := 0; i < c.cfg.CloseDrainMaxFrames; i++ {
		if time.Now().After(deadline) {
			return
		}
		f, err := c.readFrame()
		if err != nil {
			return
		}
		if f.Opcode == OpClose {
			return
		}
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
