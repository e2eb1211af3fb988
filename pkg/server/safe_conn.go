package server

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/aeolun/sistchat/pkg/protocol"
)

// deadlineReader is implemented by transports that support read timeouts
// (TCP and WebSocket; SSH channels do not).
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// deadlineWriter bounds a write to a peer that stopped reading.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// SafeConn wraps a transport stream with write synchronization so whole
// frames never interleave on the wire.
//
// The session's writer goroutine is the normal writer, but shutdown
// notices and best-effort error answers may race with it. Reads go through
// a buffered reader; only the session's handler goroutine reads.
type SafeConn struct {
	conn         io.ReadWriteCloser
	reader       *bufio.Reader
	mu           sync.Mutex // Protects writes to conn
	idleTimeout  time.Duration
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewSafeConn wraps conn. idleTimeout > 0 bounds the wait for each frame
// and writeTimeout > 0 bounds each frame write, on transports that support
// deadlines.
func NewSafeConn(conn io.ReadWriteCloser, idleTimeout, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		idleTimeout:  idleTimeout,
		writeTimeout: writeTimeout,
	}
}

// EncodeFrame encodes and sends a protocol frame with write synchronization.
func (sc *SafeConn) EncodeFrame(frame *protocol.Frame) error {
	data, err := protocol.MarshalFrame(frame)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes writes one pre-encoded frame.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.writeTimeout > 0 {
		if d, ok := sc.conn.(deadlineWriter); ok {
			d.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
		}
	}
	_, err := sc.conn.Write(data)
	return err
}

// ReadFrame reads a protocol frame from the connection.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	if sc.idleTimeout > 0 {
		if d, ok := sc.conn.(deadlineReader); ok {
			d.SetReadDeadline(time.Now().Add(sc.idleTimeout))
		}
	}
	return protocol.DecodeFrame(sc.reader)
}

// Close closes the underlying connection once.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}
