package connection

import (
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larskiel/wsserver/internal/frame"
	"github.com/larskiel/wsserver/internal/logging"
	"github.com/larskiel/wsserver/internal/transport"
)

func testLogger() logging.Logger {
	return logging.New(io.Discard, zerolog.Disabled)
}

func maskPayload(payload []byte, key [4]byte) []byte {
	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ key[i%4]
	}
	return out
}

func buildMaskedFrame(opcode frame.Opcode, payload []byte, fin bool) []byte {
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	masked := maskPayload(payload, key)
	firstByte := byte(opcode)
	if fin {
		firstByte |= 0x80
	}
	out := []byte{firstByte, 0x80 | byte(len(payload))}
	out = append(out, key[:]...)
	out = append(out, masked...)
	return out
}

func handshakeRequest() string {
	return "GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []string
	closed   bool
	code     uint16
	reason   string
	caps     Capabilities
}

func (h *recordingHandler) OnMessage(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, text)
	h.caps.Send("I got: " + text)
}

func (h *recordingHandler) OnClose(code uint16, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.code = code
	h.reason = reason
}

func (h *recordingHandler) snapshot() (msgs []string, closed bool, code uint16, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...), h.closed, h.code, h.reason
}

func newTestConnection(t *testing.T, serverConn net.Conn) (*Connection, *recordingHandler) {
	t.Helper()
	var handler *recordingHandler
	factory := func(caps Capabilities) Handler {
		handler = &recordingHandler{caps: caps}
		return handler
	}
	opts := Options{
		Service:          "chat",
		PingInterval:     time.Hour,
		ReadWriteTimeout: time.Second,
		HandshakeTimeout: time.Second,
		ShutdownTimeout:  time.Second,
		MaxReceiveSize:   16384,
	}
	tr := transport.New(serverConn, opts.MaxReceiveSize, opts.ReadWriteTimeout)
	c := New(1, tr, opts, testLogger(), nil, noopRegistry{}, factory)
	return c, handler
}

type noopRegistry struct{}

func (noopRegistry) Broadcast(payload []byte) {}

// startPump mimics server.driveConnection's write-queue pump: a
// background goroutine that keeps draining c's write queue until
// stop is closed. Needed because net.Pipe is synchronous, so a
// queued write only completes once something reads the other end.
func startPump(c *Connection, stop <-chan struct{}) {
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			wrote, err := c.PumpWrites()
			if err != nil {
				return
			}
			if !wrote {
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()
}

// readFrames reads whatever is available on conn and parses exactly
// want complete frames out of it.
func readFrames(t *testing.T, conn net.Conn, want int) []frame.Frame {
	t.Helper()
	var out []frame.Frame
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for len(out) < want {
		n, err := conn.Read(tmp)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		buf = append(buf, tmp[:n]...)
		for {
			h, err := frame.ParseHeader(buf)
			if err != nil {
				break
			}
			total := h.HeaderSize + int(h.PayloadLen)
			if len(buf) < total {
				break
			}
			out = append(out, frame.ParseFrame(buf, h))
			buf = buf[total:]
		}
	}
	return out
}

func readHandshakeResponse(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestConnectionHandshakeAndEcho(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c, handler := newTestConnection(t, server)
	stop := make(chan struct{})
	pumpStop := make(chan struct{})
	done := make(chan struct{})
	startPump(c, pumpStop)
	go func() {
		c.Run(stop)
		close(done)
	}()

	_, err := client.Write([]byte(handshakeRequest()))
	require.NoError(t, err)
	assert.Contains(t, readHandshakeResponse(t, client), "101 Switching Protocols")

	_, err = client.Write(buildMaskedFrame(frame.OpText, []byte("hello"), true))
	require.NoError(t, err)

	frames := readFrames(t, client, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, frame.OpText, frames[0].Header.Opcode)
	assert.Equal(t, "I got: hello", string(frames[0].Payload))

	msgs, _, _, _ := handler.snapshot()
	assert.Equal(t, []string{"hello"}, msgs)

	close(stop)
	close(pumpStop)
	client.Close()
	<-done
}

func TestConnectionRejectsWrongService(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c, handler := newTestConnection(t, server)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		c.Run(stop)
		close(done)
	}()

	badReq := strings.Replace(handshakeRequest(), "/chat", "/wrong", 1)
	_, err := client.Write([]byte(badReq))
	require.NoError(t, err)
	assert.Contains(t, readHandshakeResponse(t, client), "400 Bad Request")

	client.Close()
	<-done
	_, closed, _, _ := handler.snapshot()
	assert.False(t, closed, "OnClose must not fire for a connection that never reached Connected")
}

func TestFragmentedMessageReassembly(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c, handler := newTestConnection(t, server)
	stop := make(chan struct{})
	pumpStop := make(chan struct{})
	done := make(chan struct{})
	startPump(c, pumpStop)
	go func() {
		c.Run(stop)
		close(done)
	}()

	_, err := client.Write([]byte(handshakeRequest()))
	require.NoError(t, err)
	readHandshakeResponse(t, client)

	_, err = client.Write(buildMaskedFrame(frame.OpText, []byte("hel"), false))
	require.NoError(t, err)
	_, err = client.Write(buildMaskedFrame(frame.OpContinuation, []byte("lo"), true))
	require.NoError(t, err)

	frames := readFrames(t, client, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, "I got: hello", string(frames[0].Payload))

	msgs, _, _, _ := handler.snapshot()
	assert.Equal(t, []string{"hello"}, msgs)

	close(stop)
	close(pumpStop)
	client.Close()
	<-done
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c, _ := newTestConnection(t, server)
	stop := make(chan struct{})
	pumpStop := make(chan struct{})
	done := make(chan struct{})
	startPump(c, pumpStop)
	go func() {
		c.Run(stop)
		close(done)
	}()

	_, err := client.Write([]byte(handshakeRequest()))
	require.NoError(t, err)
	readHandshakeResponse(t, client)

	_, err = client.Write(buildMaskedFrame(frame.OpPing, []byte("hi"), true))
	require.NoError(t, err)

	frames := readFrames(t, client, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, frame.OpPong, frames[0].Header.Opcode)
	assert.Equal(t, "hi", string(frames[0].Payload))

	close(stop)
	close(pumpStop)
	client.Close()
	<-done
}

func TestCloseHandshakeEchoesCodeAndSurfacesReason(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c, handler := newTestConnection(t, server)
	stop := make(chan struct{})
	pumpStop := make(chan struct{})
	done := make(chan struct{})
	startPump(c, pumpStop)
	go func() {
		c.Run(stop)
		close(done)
	}()

	_, err := client.Write([]byte(handshakeRequest()))
	require.NoError(t, err)
	readHandshakeResponse(t, client)

	code := frame.StatusNormal
	closeFrame := frame.CloseFrame(&code, "done")
	masked := buildMaskedFrame(frame.OpClose, closeFrame.Payload, true)
	_, err = client.Write(masked)
	require.NoError(t, err)

	frames := readFrames(t, client, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, frame.OpClose, frames[0].Header.Opcode)

	close(pumpStop)
	client.Close()
	<-done

	_, closed, gotCode, reason := handler.snapshot()
	assert.True(t, closed)
	assert.Equal(t, frame.StatusNormal, gotCode)
	assert.Equal(t, "done", reason)
}

func TestUnmaskedFrameClosesWithProtocolError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c, _ := newTestConnection(t, server)
	stop := make(chan struct{})
	pumpStop := make(chan struct{})
	done := make(chan struct{})
	startPump(c, pumpStop)
	go func() {
		c.Run(stop)
		close(done)
	}()

	_, err := client.Write([]byte(handshakeRequest()))
	require.NoError(t, err)
	readHandshakeResponse(t, client)

	unmasked := frame.Serialize(frame.TextFrame([]byte("hi")))
	_, err = client.Write(unmasked)
	require.NoError(t, err)

	frames := readFrames(t, client, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, frame.OpClose, frames[0].Header.Opcode)
	gotCode, _, ok := frame.CloseCode(frames[0].Payload)
	require.True(t, ok)
	assert.EqualValues(t, frame.StatusProtocolError, gotCode)

	close(pumpStop)
	client.Close()
	<-done
}
