package websocket

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

// bufStream is a Stream backed by an in-memory buffer, for driving the
// connection state machine against a pre-built sequence of frames without
// a real socket.
type bufStream struct {
	r *bufio.Reader
	w *bytes.Buffer
}

func newBufStream(in []byte) *bufStream {
	return &bufStream{r: bufio.NewReader(bytes.NewReader(in)), w: &bytes.Buffer{}}
}

func (s *bufStream) Read(buf []byte) (int, error) { return s.r.Read(buf) }

func (s *bufStream) ReadFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, newStreamError("read_exactly", err)
	}
	return buf, nil
}

func (s *bufStream) Write(data []byte) error {
	_, err := s.w.Write(data)
	return err
}

func (s *bufStream) Flush() error    { return nil }
func (s *bufStream) Connected() bool { return true }
func (s *bufStream) Close() error    { return nil }

// encodeFrames renders frames to the wire, masking per mode (server mode
// expects masked input, client mode expects unmasked input — this builds
// what the *peer* would have sent).
func encodeFrames(t *testing.T, frames []*Frame, peerMasks bool) []byte {
	t.Helper()
	var out bytes.Buffer
	for _, f := range frames {
		if peerMasks && !f.Masked {
			key, err := generateMaskKey()
			if err != nil {
				t.Fatal(err)
			}
			f.Masked = true
			f.MaskKey = key
		}
		buf, err := Encode(f)
		if err != nil {
			t.Fatalf("encodeFrames: %v", err)
		}
		out.Write(buf)
	}
	return out.Bytes()
}

// newTestConn builds a Conn in ModeServer (so it requires masked incoming
// frames, matching a browser client) fed by frames, with writes captured
// in a buffer the test can inspect afterward.
func newTestConn(t *testing.T, frames []*Frame, cfg ConnectionConfig) (*Conn, *bufStream) {
	t.Helper()
	cfg.Mode = ModeServer
	stream := newBufStream(encodeFrames(t, frames, true))
	return NewConnForTest(stream, cfg, ""), stream
}

func TestConn_Read_Unfragmented(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		wantTyp MessageType
		wantPay string
	}{
		{"text", &Frame{Fin: true, Opcode: OpText, Payload: []byte("Hello, World!")}, TextMessage, "Hello, World!"},
		{"binary", &Frame{Fin: true, Opcode: OpBinary, Payload: []byte{0x01, 0x02, 0x03}}, BinaryMessage, "\x01\x02\x03"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestConn(t, []*Frame{tt.frame}, DefaultConfig(ModeServer))
			msg, err := c.Read()
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if msg.Type != tt.wantTyp {
				t.Errorf("Type = %v, want %v", msg.Type, tt.wantTyp)
			}
			if string(msg.Data) != tt.wantPay {
				t.Errorf("Data = %q, want %q", msg.Data, tt.wantPay)
			}
		})
	}
}

func TestConn_Read_InvalidUTF8ClosesWithInvalidPayloadCode(t *testing.T) {
	c, _ := newTestConn(t, []*Frame{
		{Fin: true, Opcode: OpText, Payload: []byte{0xFF, 0xFE}},
	}, DefaultConfig(ModeServer))

	_, err := c.Read()
	var closed *ConnectionClosed
	if !errors.As(err, &closed) {
		t.Fatalf("expected *ConnectionClosed, got %v", err)
	}
	if closed.Code != CloseInvalidFramePayloadData {
		t.Errorf("Code = %d, want %d", closed.Code, CloseInvalidFramePayloadData)
	}
}

func TestConn_Read_Fragmentation(t *testing.T) {
	c, _ := newTestConn(t, []*Frame{
		{Fin: false, Opcode: OpText, Payload: []byte("Hello, ")},
		{Fin: false, Opcode: OpContinuation, Payload: []byte("World")},
		{Fin: true, Opcode: OpContinuation, Payload: []byte("!")},
	}, DefaultConfig(ModeServer))

	msg, err := c.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.Type != TextMessage || string(msg.Data) != "Hello, World!" {
		t.Errorf("got %v %q, want Text \"Hello, World!\"", msg.Type, msg.Data)
	}
}

func TestConn_Read_OrphanContinuation(t *testing.T) {
	c, _ := newTestConn(t, []*Frame{
		{Fin: true, Opcode: OpContinuation, Payload: []byte("orphan")},
	}, DefaultConfig(ModeServer))

	_, err := c.Read()
	if !IsCloseError(err) {
		t.Fatalf("expected close error, got %v", err)
	}
}

func TestConn_Read_DataFrameMidFragmentRejected(t *testing.T) {
	c, _ := newTestConn(t, []*Frame{
		{Fin: false, Opcode: OpText, Payload: []byte("first")},
		{Fin: true, Opcode: OpText, Payload: []byte("second")},
	}, DefaultConfig(ModeServer))

	_, err := c.Read()
	if !IsCloseError(err) {
		t.Fatalf("expected close error, got %v", err)
	}
}

func TestConn_Read_MessageTooLarge(t *testing.T) {
	cfg := DefaultConfig(ModeServer)
	cfg.MaxMessageSize = 4
	c, _ := newTestConn(t, []*Frame{
		{Fin: true, Opcode: OpText, Payload: []byte("this is too long")},
	}, cfg)

	_, err := c.Read()
	var closed *ConnectionClosed
	if !errors.As(err, &closed) {
		t.Fatalf("expected *ConnectionClosed, got %v", err)
	}
	if closed.Code != CloseMessageTooBig {
		t.Errorf("Code = %d, want %d", closed.Code, CloseMessageTooBig)
	}
}

func TestConn_Read_AutoPong(t *testing.T) {
	c, stream := newTestConn(t, []*Frame{
		{Fin: true, Opcode: OpPing, Payload: []byte("ping-payload")},
		{Fin: true, Opcode: OpText, Payload: []byte("after")},
	}, DefaultConfig(ModeServer))

	msg, err := c.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.Type != TextMessage || string(msg.Data) != "after" {
		t.Fatalf("expected ping to be auto-answered and swallowed, got %v %q", msg.Type, msg.Data)
	}

	outcome, err := Decode(stream.w.Bytes(), false)
	if err != nil {
		t.Fatalf("decoding captured write failed: %v", err)
	}
	if outcome.Frame.Opcode != OpPong || string(outcome.Frame.Payload) != "ping-payload" {
		t.Errorf("expected auto Pong echoing payload, got opcode=%v payload=%q", outcome.Frame.Opcode, outcome.Frame.Payload)
	}
}

func TestConn_Read_DisableAutoPongSurfacesPing(t *testing.T) {
	cfg := DefaultConfig(ModeServer)
	cfg.DisableAutoPong = true
	c, stream := newTestConn(t, []*Frame{
		{Fin: true, Opcode: OpPing, Payload: []byte("ping-payload")},
	}, cfg)

	msg, err := c.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.Type != PingMessage || string(msg.Data) != "ping-payload" {
		t.Errorf("expected surfaced PingMessage, got %v %q", msg.Type, msg.Data)
	}
	if stream.w.Len() != 0 {
		t.Errorf("expected no auto Pong written, got %d bytes", stream.w.Len())
	}
}

func TestConn_Read_Pong_UpdatesHeartbeatState(t *testing.T) {
	c, _ := newTestConn(t, []*Frame{
		{Fin: true, Opcode: OpPong, Payload: []byte("pong")},
	}, DefaultConfig(ModeServer))

	if err := c.Ping(nil); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	msg, err := c.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.Type != PongMessage {
		t.Fatalf("expected PongMessage, got %v", msg.Type)
	}
	if c.AwaitingPong() {
		t.Error("expected AwaitingPong() to be false after receiving a Pong")
	}
	if c.LastPongTime().IsZero() {
		t.Error("expected LastPongTime() to be set")
	}
}

func TestConn_Close_SendsAndTransitionsState(t *testing.T) {
	c, stream := newTestConn(t, nil, DefaultConfig(ModeServer))

	if err := c.Close(CloseNormalClosure, "done"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("State() = %v, want StateClosed", c.State())
	}
	if c.Connected() {
		t.Error("expected Connected() == false after Close")
	}

	outcome, err := Decode(stream.w.Bytes(), false)
	if err != nil {
		t.Fatalf("decoding captured close frame failed: %v", err)
	}
	if outcome.Frame.Opcode != OpClose {
		t.Errorf("expected OpClose, got %v", outcome.Frame.Opcode)
	}
}

func TestConn_Close_Idempotent(t *testing.T) {
	c, _ := newTestConn(t, nil, DefaultConfig(ModeServer))

	if err := c.Close(CloseNormalClosure, ""); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(CloseGoingAway, "second"); err != nil {
		t.Fatalf("second Close should be a no-op, got error: %v", err)
	}
}

func TestConn_HandleCloseFrame_EchoesAndReports(t *testing.T) {
	c, stream := newTestConn(t, []*Frame{
		{Fin: true, Opcode: OpClose, Payload: closePayload(CloseGoingAway, "bye")},
	}, DefaultConfig(ModeServer))

	_, err := c.Read()
	var closed *ConnectionClosed
	if !errors.As(err, &closed) {
		t.Fatalf("expected *ConnectionClosed, got %v", err)
	}
	if closed.Code != CloseGoingAway || closed.Reason != "bye" {
		t.Errorf("got Code=%d Reason=%q, want Code=%d Reason=%q", closed.Code, closed.Reason, CloseGoingAway, "bye")
	}
	if c.State() != StateClosed {
		t.Errorf("State() = %v, want StateClosed", c.State())
	}
	if stream.w.Len() == 0 {
		t.Error("expected the server to echo a Close frame")
	}
}

func closePayload(code CloseCode, reason string) []byte {
	p := make([]byte, 2+len(reason))
	p[0] = byte(code >> 8)
	p[1] = byte(code)
	copy(p[2:], reason)
	return p
}

func TestConn_WriteText_RejectsInvalidUTF8(t *testing.T) {
	c, _ := newTestConn(t, nil, DefaultConfig(ModeServer))
	if err := c.WriteText(string([]byte{0xFF, 0xFE})); err != ErrInvalidUTF8 {
		t.Errorf("want ErrInvalidUTF8, got %v", err)
	}
}

func TestConn_WriteAfterClose(t *testing.T) {
	c, _ := newTestConn(t, nil, DefaultConfig(ModeServer))
	_ = c.Close(CloseNormalClosure, "")
	if err := c.WriteText("too late"); err != ErrClosed {
		t.Errorf("want ErrClosed, got %v", err)
	}
}

func TestConn_WriteJSON_ReadJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	c, stream := newTestConn(t, []*Frame{
		{Fin: true, Opcode: OpText, Payload: []byte(`{"name":"ada"}`)},
	}, DefaultConfig(ModeServer))

	var got payload
	if err := c.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got.Name != "ada" {
		t.Errorf("got Name=%q, want %q", got.Name, "ada")
	}

	if err := c.WriteJSON(payload{Name: "grace"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	outcome, err := Decode(stream.w.Bytes(), false)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(outcome.Frame.Payload) != `{"name":"grace"}` {
		t.Errorf("got payload %q", outcome.Frame.Payload)
	}
}

func TestConn_Write_DispatchesByMessageType(t *testing.T) {
	c, stream := newTestConn(t, nil, DefaultConfig(ModeServer))
	if err := c.Write(TextMessage, []byte("hi")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	outcome, err := Decode(stream.w.Bytes(), false)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Frame.Opcode != OpText {
		t.Errorf("expected OpText, got %v", outcome.Frame.Opcode)
	}

	if err := c.Write(MessageType(99), nil); err != ErrInvalidMessageType {
		t.Errorf("want ErrInvalidMessageType, got %v", err)
	}
}
