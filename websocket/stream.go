package websocket

import (
	"bufio"
	"errors"
	"io"
	"net"
)

// Stream is the byte-level duplex contract the connection state machine
// drives. It is the only point of contact with a transport: the codec and
// state machine never import net or crypto/tls directly, so the library
// runs unmodified over a TCP socket, a TLS socket, an in-memory pipe, or
// any other already-connected byte stream an application wires up.
//
// Read is non-blocking best effort and may return (0, nil) if nothing is
// currently available. ReadFull blocks until exactly n bytes have been
// read or the stream reports an error (including io.EOF, which ReadFull
// must turn into a non-nil error — a short read is never silently
// accepted). Write blocks until all of data has been written or an error
// occurs. Flush pushes any internally buffered bytes to the transport.
// Connected reports the last-observed liveness of the stream. Close tears
// down the transport; Close must be safe to call more than once.
//
// Timeouts are a policy of the Stream implementation; the connection only
// ever observes them as a StreamError.
type Stream interface {
	Read(buf []byte) (int, error)
	ReadFull(n int) ([]byte, error)
	Write(data []byte) error
	Flush() error
	Connected() bool
	Close() error
}

// netStream adapts a net.Conn (TCP, TLS, or any other net.Conn
// implementation) to the Stream interface, buffering reads and writes the
// way an HTTP server's hijacked connection already does.
type netStream struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	closed bool
}

// NewNetStream wraps conn as a Stream, reusing reader/writer if provided
// (as when a connection arrives pre-buffered from an http.Hijacker) and
// otherwise allocating buffers of the given sizes.
func NewNetStream(conn net.Conn, reader *bufio.Reader, writer *bufio.Writer, readBufSize, writeBufSize int) Stream {
	if reader == nil {
		reader = bufio.NewReaderSize(conn, readBufSize)
	}
	if writer == nil {
		writer = bufio.NewWriterSize(conn, writeBufSize)
	}
	return &netStream{conn: conn, reader: reader, writer: writer}
}

// Read returns what one bufio.Reader.Read call yields: when nothing is
// buffered it blocks until the connection delivers at least one byte or
// fails, so it does not return (0, nil) on an idle connection.
func (s *netStream) Read(buf []byte) (int, error) {
	n, err := s.reader.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, err
		}
		return n, newStreamError("read", err)
	}
	return n, nil
}

func (s *netStream) ReadFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.reader, buf); err != nil {
		return nil, newStreamError("read_exactly", err)
	}
	return buf, nil
}

func (s *netStream) Write(data []byte) error {
	if _, err := s.writer.Write(data); err != nil {
		return newStreamError("write", err)
	}
	return s.Flush()
}

func (s *netStream) Flush() error {
	if err := s.writer.Flush(); err != nil {
		return newStreamError("flush", err)
	}
	return nil
}

func (s *netStream) Connected() bool {
	return !s.closed
}

func (s *netStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Close(); err != nil {
		return newStreamError("close", err)
	}
	return nil
}
