// Package connection implements the per-connection state machine
// (spec.md §4.4): Startup → Connected → Closing → Closed. It drives
// the handshake, ping/pong heartbeat, fragment reassembly, close
// handshake and dispatch to the user handler, and tracks lastActivity
// for the server's maintenance sweep.
package connection

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/larskiel/wsserver/internal/frame"
	"github.com/larskiel/wsserver/internal/handshake"
	"github.com/larskiel/wsserver/internal/logging"
	"github.com/larskiel/wsserver/internal/metrics"
	"github.com/larskiel/wsserver/internal/transport"
	"github.com/larskiel/wsserver/internal/wsserr"
)

// State is the connection's lifecycle stage (spec.md §3).
type State int32

const (
	StateNone State = iota
	StateStartup
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "none"
	}
}

// Handler is the narrow capability surface the application implements
// (spec.md §4.6's UserHandler). Dispatch of OnMessage runs on a
// boundary separate from the read loop's buffer mutation, see Run.
type Handler interface {
	OnMessage(text string)
	OnClose(code uint16, reason string)
}

// Capabilities is injected into a Handler at attach time: send,
// broadcast, closeSelf, forwarding to the owning connection or the
// server without granting the handler any wider ownership (spec.md
// §9's "back-reference from handler to connection/server").
type Capabilities interface {
	Send(text string)
	Broadcast(text string)
	CloseSelf()
}

// HandlerFactory produces a Handler for a newly accepted connection,
// given the Capabilities it may use. This is spec.md §6's
// "generator" configuration option.
type HandlerFactory func(caps Capabilities) Handler

// Registry is the narrow view of the server a connection needs to
// broadcast to its siblings. The server implements this; a connection
// never sees more of the server than this.
type Registry interface {
	Broadcast(payload []byte)
}

// Options configures a Connection's timeouts and limits, mirroring
// spec.md §6.
type Options struct {
	Service          string
	PingInterval     time.Duration
	ReadWriteTimeout time.Duration
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration
	MaxReceiveSize   int
}

// Connection drives one client to completion per spec.md §4.4.
type Connection struct {
	ID            uint64
	CorrelationID string
	CreatedAt     time.Time

	transport *transport.Transport
	opts      Options
	log       logging.Logger
	metrics   *metrics.Metrics
	registry  Registry

	state int32 // atomic State

	fragmentBuf []byte
	fragmentOp  frame.Opcode

	handler Handler

	mu               sync.Mutex
	lastActivity     time.Time
	closeRequestedAt *time.Time
	nextHeartbeatAt  time.Time
	peerCloseCode    *uint16
	peerCloseReason  string
	closeEchoed      bool
}

// New constructs a Connection over an already-accepted transport. The
// handler is built immediately so the driving goroutine can offer it
// Capabilities from the very first Startup iteration.
func New(id uint64, t *transport.Transport, opts Options, log logging.Logger, m *metrics.Metrics, registry Registry, factory HandlerFactory) *Connection {
	c := &Connection{
		ID:            id,
		CorrelationID: uuid.NewString(),
		CreatedAt:     time.Now(),
		transport:     t,
		opts:          opts,
		metrics:       m,
		registry:      registry,
		state:         int32(StateStartup),
		lastActivity:  time.Now(),
	}
	c.log = log.With(logging.Fields{
		"conn_id": id,
		"corr_id": c.CorrelationID,
		"remote":  t.RemoteAddr(),
	})
	c.nextHeartbeatAt = c.lastActivity.Add(opts.PingInterval)
	c.handler = factory(&capabilities{conn: c})
	return c
}

func (c *Connection) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// RemoteAddr returns the peer address of the underlying transport.
func (c *Connection) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

func (c *Connection) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// Run drives the connection until it reaches StateClosed or stop is
// closed. It never returns an error that the caller
// must propagate further up than a log line: per spec.md §7 only
// listener-bind failure is fatal to the server.
func (c *Connection) Run(stop <-chan struct{}) {
	reachedConnected := false
	defer func() {
		c.setState(StateClosed)
		_ = c.transport.Close()
		if reachedConnected {
			c.handler.OnClose(c.closeCode(), c.closeReason())
		}
	}()

	for c.State() == StateStartup {
		select {
		case <-stop:
			return
		default:
		}
		if c.runStartup() {
			return
		}
	}
	reachedConnected = true

	for c.State() == StateConnected {
		select {
		case <-stop:
			c.initiateClose(ptr(frame.StatusGoingAway), "server shutting down")
		default:
		}
		if c.runConnected() {
			break
		}
	}

	c.runClosing()
}

// runStartup performs one Startup iteration. Returns true if the
// connection should terminate (handshake failed or timed out).
func (c *Connection) runStartup() bool {
	if c.idleFor() > c.opts.HandshakeTimeout {
		c.log.Warn("handshake timed out", nil)
		return true
	}

	req, err := c.transport.ReadHandshake()
	if err != nil {
		if wsserr.Is(err, wsserr.Incomplete) {
			return false
		}
		if wsserr.Is(err, wsserr.DataFormatError) {
			c.sendBadRequest()
			if c.metrics != nil {
				c.metrics.HandshakeFailure.Inc()
			}
			return true
		}
		c.log.Warn("transport error during handshake", logging.Fields{"error": err.Error()})
		return true
	}

	if req.Service != c.opts.Service {
		c.log.Warn("wrong service requested", logging.Fields{"service": req.Service})
		c.sendBadRequest()
		if c.metrics != nil {
			c.metrics.HandshakeFailure.Inc()
		}
		return true
	}

	resp := handshake.ResponseFor(req)
	if err := c.transport.WriteRaw(handshake.Serialize(resp)); err != nil {
		c.log.Warn("failed writing handshake response", logging.Fields{"error": err.Error()})
		return true
	}

	c.setState(StateConnected)
	c.touch()
	if c.metrics != nil {
		c.metrics.HandshakeSuccess.Inc()
	}
	return false
}

func (c *Connection) sendBadRequest() {
	resp := handshake.BadRequest("1.1", nil)
	_ = c.transport.WriteRaw(handshake.Serialize(resp))
}

// runConnected performs one Connected iteration. Returns true if the
// FSM should leave the Connected loop (a Close was sent or received,
// or a fatal transport error occurred).
func (c *Connection) runConnected() bool {
	c.mu.Lock()
	due := !c.nextHeartbeatAt.After(time.Now())
	c.mu.Unlock()
	if due {
		c.sendHeartbeat()
	}

	f, err := c.transport.ReadFrame()
	if err != nil {
		if wsserr.Is(err, wsserr.Incomplete) {
			return false
		}
		return c.handleFrameError(err)
	}

	c.touch()
	return c.handleFrame(f)
}

// sendHeartbeat enqueues a server-originated Ping (spec.md §9's
// "conforming alternative"); the peer's answering Pong, like every
// other received frame, refreshes lastActivity in runConnected.
// nextHeartbeatAt advances on every call, so the due check in
// runConnected fires at most once per PingInterval; each call enqueues
// one Ping.
func (c *Connection) sendHeartbeat() {
	c.mu.Lock()
	c.nextHeartbeatAt = time.Now().Add(c.opts.PingInterval)
	c.mu.Unlock()
	c.enqueueFrame(frame.PingFrame(nil))
}

func (c *Connection) handleFrameError(err error) bool {
	switch wsserr.KindOf(err) {
	case wsserr.DataFormatError:
		c.log.Warn("malformed frame", logging.Fields{"error": err.Error()})
		c.initiateClose(ptr(frame.StatusProtocolError), "protocol error")
	case wsserr.Oversize:
		c.log.Warn("oversize frame", logging.Fields{"error": err.Error()})
		c.initiateClose(ptr(frame.StatusMessageTooBig), "message too big")
	case wsserr.UnsupportedFeature:
		c.log.Warn("unsupported frame", logging.Fields{"error": err.Error()})
		c.initiateClose(ptr(frame.StatusUnsupportedData), "unsupported data type")
	default:
		c.log.Warn("transport error", logging.Fields{"error": err.Error()})
		c.setState(StateClosing)
	}
	return true
}

// handleFrame dispatches one parsed frame per spec.md §4.4's
// "Frame handling (in Connected)" table. Returns true if the
// connection should leave the Connected loop.
func (c *Connection) handleFrame(f frame.Frame) bool {
	if c.metrics != nil {
		c.metrics.FramesReceived.WithLabelValues(opcodeLabel(f.Header.Opcode)).Inc()
	}

	switch f.Header.Opcode {
	case frame.OpText, frame.OpContinuation:
		if f.Header.Opcode == frame.OpText {
			c.fragmentOp = frame.OpText
		}
		c.fragmentBuf = append(c.fragmentBuf, f.Payload...)
		if len(c.fragmentBuf) > c.opts.MaxReceiveSize {
			c.initiateClose(ptr(frame.StatusMessageTooBig), "message too big")
			return true
		}
		if f.Header.Fin {
			msg := c.fragmentBuf
			c.fragmentBuf = nil
			if !utf8.Valid(msg) {
				c.initiateClose(ptr(frame.StatusInconsistentData), "invalid utf-8")
				return true
			}
			c.dispatch(string(msg))
		}
		return false

	case frame.OpPing:
		c.enqueueFrame(frame.PongFrame(f.Payload))
		return false

	case frame.OpPong:
		// Matching pong for our heartbeat ping: accepted as liveness
		// proof. touch() in runConnected already refreshed lastActivity
		// for this (and every) received frame.
		return false

	case frame.OpClose:
		code, reason, ok := frame.CloseCode(f.Payload)
		if ok && !validCloseReason(reason) {
			reason = ""
		}
		c.mu.Lock()
		if ok {
			c.peerCloseCode = &code
		}
		c.peerCloseReason = reason
		c.mu.Unlock()
		c.echoClose()
		c.setState(StateClosing)
		return true

	default:
		c.log.Warn("reserved or unsupported opcode", logging.Fields{"opcode": int(f.Header.Opcode)})
		c.initiateClose(ptr(frame.StatusProtocolError), "protocol error")
		return true
	}
}

func validCloseReason(reason string) bool {
	return utf8.ValidString(reason)
}

// dispatch hands a fully-reassembled message to the user handler.
// Per spec.md §4.4 this runs on a boundary separate from the frame
// loop's buffer mutation so a slow handler cannot corrupt in-flight
// reassembly state; since each connection has exactly one driving
// goroutine, that boundary is simply "after fragmentBuf has been
// reset and handed off", not a second goroutine.
func (c *Connection) dispatch(msg string) {
	c.handler.OnMessage(msg)
}

// echoClose echoes the peer's close frame back, unmasked, exactly
// once (spec.md §4.4).
func (c *Connection) echoClose() {
	c.mu.Lock()
	already := c.closeEchoed
	c.closeEchoed = true
	now := time.Now()
	if c.closeRequestedAt == nil {
		c.closeRequestedAt = &now
	}
	code := c.peerCloseCode
	c.mu.Unlock()
	if already {
		return
	}
	c.enqueueFrame(frame.CloseFrame(code, ""))
}

// initiateClose is used when the server (or an error path) wants to
// close the connection: enqueue a Close frame and transition to
// Closing. Idempotent.
func (c *Connection) initiateClose(code *uint16, reason string) {
	c.mu.Lock()
	already := c.closeRequestedAt != nil
	if !already {
		now := time.Now()
		c.closeRequestedAt = &now
	}
	c.mu.Unlock()
	if !already {
		c.enqueueFrame(frame.CloseFrame(code, reason))
	}
	c.setState(StateClosing)
}

func (c *Connection) closeCode() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerCloseCode != nil {
		return *c.peerCloseCode
	}
	return frame.StatusNoStatusSentinel
}

func (c *Connection) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCloseReason
}

// runClosing drains the write queue up to the lesser of
// ShutdownTimeout/ReadWriteTimeout, then transitions to Closed.
func (c *Connection) runClosing() {
	timeout := c.opts.ShutdownTimeout
	if c.opts.ReadWriteTimeout < timeout {
		timeout = c.opts.ReadWriteTimeout
	}
	if err := c.transport.Drain(timeout); err != nil {
		c.log.Warn("close drain did not finish cleanly", logging.Fields{"error": err.Error()})
	}
	c.setState(StateClosed)
}

// enqueueFrame serializes f and enqueues the bytes on the write
// queue (FIFO, spec.md §5 ordering guarantee).
func (c *Connection) enqueueFrame(f frame.Frame) {
	if c.metrics != nil {
		c.metrics.FramesSent.WithLabelValues(opcodeLabel(f.Header.Opcode)).Inc()
		if f.Header.Opcode == frame.OpClose {
			if code, _, ok := frame.CloseCode(f.Payload); ok {
				c.metrics.CloseCodes.WithLabelValues(codeLabel(code)).Inc()
			}
		}
	}
	c.transport.Enqueue(frame.Serialize(f))
}

// PumpWrites pops and writes one queued blob, if any. The server's
// per-connection task calls this opportunistically (spec.md §5's
// "single-flight per connection" — at most one in-progress write on
// the underlying socket at a time, enforced by transport's own mutex).
func (c *Connection) PumpWrites() (bool, error) {
	return c.transport.DequeueAndWrite()
}

// HandleWriteError terminates the connection after a queued write
// fails. Per spec.md §7 any transport error ends the connection; a
// socket that can't take a write can't be trusted to deliver reads
// either, so this closes the transport to unblock runConnected's
// ReadFrame (which otherwise would not notice until the next read
// timeout) and moves the FSM toward Closing the same way
// handleFrameError's default branch does for a failed read.
func (c *Connection) HandleWriteError(err error) {
	if c.State() == StateClosed {
		return
	}
	c.log.Warn("write error", logging.Fields{"error": err.Error()})
	c.setState(StateClosing)
	_ = c.transport.Close()
}

// EnqueueRaw enqueues an already-serialized frame, used by the
// server's Broadcast so a single serialization is shared across every
// recipient connection instead of re-serializing per connection.
func (c *Connection) EnqueueRaw(payload []byte) {
	if c.metrics != nil {
		c.metrics.FramesSent.WithLabelValues("text").Inc()
	}
	c.transport.Enqueue(payload)
}

// CheckHandshakeTimeout is called by the server's maintenance sweep
// (spec.md §4.5); it reports whether the connection has been stuck in
// Startup longer than HandshakeTimeout. The sweep then calls ForceClose.
func (c *Connection) CheckHandshakeTimeout() bool {
	return c.State() == StateStartup && c.idleFor() > c.opts.HandshakeTimeout
}

// CheckCloseTimeout reports whether a Closing connection has exceeded
// ReadWriteTimeout since its close was requested (spec.md §3/§4.5).
func (c *Connection) CheckCloseTimeout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateClosing || c.closeRequestedAt == nil {
		return false
	}
	return time.Since(*c.closeRequestedAt) > c.opts.ReadWriteTimeout
}

// ForceClose transitions directly to Closed, used by the maintenance
// sweep when a connection has overstayed its close or handshake
// budget.
func (c *Connection) ForceClose() {
	c.setState(StateClosed)
	_ = c.transport.Close()
}

func opcodeLabel(op frame.Opcode) string {
	switch op {
	case frame.OpText:
		return "text"
	case frame.OpBinary:
		return "binary"
	case frame.OpClose:
		return "close"
	case frame.OpPing:
		return "ping"
	case frame.OpPong:
		return "pong"
	case frame.OpContinuation:
		return "continuation"
	default:
		return "reserved"
	}
}

func codeLabel(code uint16) string {
	return strconv.Itoa(int(code))
}

func ptr(v uint16) *uint16 { return &v }

// capabilities is the Connection-owned implementation of Capabilities
// handed to the user handler at construction (spec.md §9: "no mutable
// function slots" — a plain interface value instead).
type capabilities struct {
	conn *Connection
}

func (cap *capabilities) Send(text string) {
	cap.conn.enqueueFrame(frame.TextFrame([]byte(text)))
}

func (cap *capabilities) Broadcast(text string) {
	cap.conn.registry.Broadcast(frame.Serialize(frame.TextFrame([]byte(text))))
}

func (cap *capabilities) CloseSelf() {
	cap.conn.initiateClose(ptr(frame.StatusNormal), "")
}
