// Package transport owns one stream socket and its read buffer,
// exposing cooperative "try to read one unit" operations with
// explicit incomplete-read semantics (spec.md §4.3). It never
// partially returns a parsed handshake or frame.
package transport

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/larskiel/wsserver/internal/frame"
	"github.com/larskiel/wsserver/internal/handshake"
	"github.com/larskiel/wsserver/internal/wsserr"
)

var crlfcrlf = []byte("\r\n\r\n")

// Transport owns a net.Conn and the partially-filled read buffer
// accumulated across reads. Only the owning connection's goroutine may
// call the read side (ReadHandshake, ReadFrame); the write queue
// (Enqueue, DequeueAndWrite, Pending, Drain, WriteRaw) is guarded by
// writeMu and is also used by the server's write pump and by
// broadcasts from other connections. See spec.md §5 "Suspension points".
type Transport struct {
	conn    net.Conn
	readBuf []byte // capped at MaxReceiveSize+1
	maxSize int

	readWriteTimeout time.Duration

	cachedRequest *handshake.Request

	writeMu sync.Mutex
	queue   [][]byte
}

// New wraps conn. maxReceiveSize bounds a single frame's payload
// (spec.md §6 maxReceiveSize); the read buffer is capped at
// maxReceiveSize+1 so an oversize frame is detected without
// unbounded buffering.
func New(conn net.Conn, maxReceiveSize int, readWriteTimeout time.Duration) *Transport {
	return &Transport{
		conn:             conn,
		maxSize:          maxReceiveSize,
		readWriteTimeout: readWriteTimeout,
	}
}

// RemoteAddr returns the underlying connection's remote address.
func (t *Transport) RemoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

// fill reads as much as is currently available into readBuf, honoring
// ReadWriteTimeout for the single underlying Read call.
func (t *Transport) fill() error {
	if len(t.readBuf) > t.maxSize {
		return wsserr.New(wsserr.Oversize, "read buffer exceeds max receive size")
	}
	room := t.maxSize + 1 - len(t.readBuf)
	if room > 4096 {
		room = 4096
	}
	buf := make([]byte, room)
	_ = t.conn.SetReadDeadline(time.Now().Add(t.readWriteTimeout))
	n, err := t.conn.Read(buf)
	if n > 0 {
		t.readBuf = append(t.readBuf, buf[:n]...)
	}
	if err != nil {
		return classifyReadErr(err)
	}
	return nil
}

func classifyReadErr(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		// A read timeout is not itself fatal; the caller treats the
		// resulting Incomplete the same as "nothing arrived yet".
		return wsserr.New(wsserr.Incomplete, "read deadline exceeded")
	}
	if err == io.EOF {
		return wsserr.Wrap(wsserr.EndOfStream, err, "peer closed the stream")
	}
	return wsserr.Wrap(wsserr.ClosedSocket, err, "socket read failed")
}

// ReadHandshake attempts to read and parse one HTTP Upgrade request.
// Returns wsserr.Incomplete if the CRLFCRLF terminator hasn't arrived
// yet, or wsserr.DataFormatError if what arrived doesn't parse.
func (t *Transport) ReadHandshake() (handshake.Request, error) {
	if t.cachedRequest != nil {
		return *t.cachedRequest, nil
	}

	idx := bytes.Index(t.readBuf, crlfcrlf)
	if idx < 0 {
		if err := t.fill(); err != nil && !wsserr.Is(err, wsserr.Incomplete) {
			return handshake.Request{}, err
		}
		idx = bytes.Index(t.readBuf, crlfcrlf)
		if idx < 0 {
			return handshake.Request{}, wsserr.New(wsserr.Incomplete, "handshake terminator not yet seen")
		}
	}

	req, err := handshake.ParseRequest(string(t.readBuf[:idx]))
	if err != nil {
		return handshake.Request{}, err
	}
	t.readBuf = t.readBuf[idx+len(crlfcrlf):]
	t.cachedRequest = &req
	return req, nil
}

// ReadFrame attempts to read and parse one frame. Returns
// wsserr.Incomplete if the buffer doesn't yet hold a full frame,
// wsserr.Oversize if the frame's total size exceeds maxReceiveSize,
// and wsserr.DataFormatError / wsserr.UnsupportedFeature per spec.md
// §4.3's client-frame validation (rsv must be 0, masked must be true,
// binary opcode is unsupported).
func (t *Transport) ReadFrame() (frame.Frame, error) {
	header, err := frame.ParseHeader(t.readBuf)
	if err != nil {
		if !wsserr.Is(err, wsserr.Incomplete) {
			return frame.Frame{}, err
		}
		if ferr := t.fill(); ferr != nil && !wsserr.Is(ferr, wsserr.Incomplete) {
			return frame.Frame{}, ferr
		}
		header, err = frame.ParseHeader(t.readBuf)
		if err != nil {
			return frame.Frame{}, err
		}
	}

	frameSize := header.HeaderSize + int(header.PayloadLen)
	if frameSize > t.maxSize {
		return frame.Frame{}, wsserr.New(wsserr.Oversize, "frame exceeds max receive size")
	}
	if len(t.readBuf) < frameSize {
		if ferr := t.fill(); ferr != nil && !wsserr.Is(ferr, wsserr.Incomplete) {
			return frame.Frame{}, ferr
		}
		if len(t.readBuf) < frameSize {
			return frame.Frame{}, wsserr.New(wsserr.Incomplete, "frame body not fully buffered")
		}
	}

	if !header.Masked {
		return frame.Frame{}, wsserr.New(wsserr.DataFormatError, "client frame must be masked")
	}
	if header.Rsv != 0 {
		return frame.Frame{}, wsserr.New(wsserr.DataFormatError, "rsv bits must be 0")
	}
	if header.Opcode == frame.OpBinary {
		return frame.Frame{}, wsserr.New(wsserr.UnsupportedFeature, "binary frames are not supported")
	}

	f := frame.ParseFrame(t.readBuf, header)
	t.readBuf = t.readBuf[frameSize:]
	return f, nil
}

// WriteRaw writes all of b to the socket, honoring ReadWriteTimeout.
// There is no partial success: either the full write lands or an
// error is returned. Serialized against the write queue (writeMu) so a
// direct write (e.g. the handshake response) can never interleave on
// the wire with a queued write, and so the final Closing-state drain
// can never race a concurrent queue pump (spec.md §5's single-flight
// write guarantee).
func (t *Transport) WriteRaw(b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.writeLocked(b)
}

func (t *Transport) writeLocked(b []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.readWriteTimeout))
	_, err := t.conn.Write(b)
	if err != nil {
		return wsserr.Wrap(wsserr.ClosedSocket, err, "socket write failed")
	}
	return nil
}

// Close closes the underlying socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// Enqueue appends b to the FIFO write queue.
func (t *Transport) Enqueue(b []byte) {
	t.writeMu.Lock()
	t.queue = append(t.queue, b)
	t.writeMu.Unlock()
}

// DequeueAndWrite pops one queued blob, if any, and writes it. Returns
// false if the queue was empty. The pop and the write happen under the
// same writeMu critical section so that two callers (the server's
// write pump and the FSM's own Closing-state drain) can never land
// their writes on the wire out of FIFO order.
func (t *Transport) DequeueAndWrite() (bool, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if len(t.queue) == 0 {
		return false, nil
	}
	b := t.queue[0]
	t.queue = t.queue[1:]

	if err := t.writeLocked(b); err != nil {
		return true, err
	}
	return true, nil
}

// Pending reports the number of blobs still queued.
func (t *Transport) Pending() int {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return len(t.queue)
}

// Drain writes queued blobs until the queue is empty or timeout
// elapses, whichever comes first.
func (t *Transport) Drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if t.Pending() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return wsserr.New(wsserr.CancellationRequest, "drain deadline exceeded")
		}
		wrote, err := t.DequeueAndWrite()
		if err != nil {
			return err
		}
		if !wrote {
			return nil
		}
	}
}
