// Package server implements the listen/accept/maintenance loop
// described in spec.md §4.5: it binds a listener, constructs a
// ConnectionFSM per client, runs a periodic maintenance sweep for
// liveness/timeouts, and performs ordered shutdown that drains
// in-flight writes.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/larskiel/wsserver/internal/config"
	"github.com/larskiel/wsserver/internal/connection"
	"github.com/larskiel/wsserver/internal/logging"
	"github.com/larskiel/wsserver/internal/metrics"
	"github.com/larskiel/wsserver/internal/transport"
)

// ConnectionInfo is a snapshot of one connection for the
// connectedUsers() control surface (spec.md §6; shape supplemented
// per SPEC_FULL.md, grounded on go-mizu-mizu's dashboard.Hub.Instances()).
type ConnectionInfo struct {
	ID          uint64
	RemoteAddr  string
	ConnectedAt time.Time
	State       string
}

// Server is the top-level listen/accept/maintenance component.
type Server struct {
	cfg     config.Config
	log     logging.Logger
	metrics *metrics.Metrics
	factory connection.HandlerFactory

	listener net.Listener
	limiter  *rate.Limiter

	mu      sync.Mutex
	conns   map[uint64]*connection.Connection
	nextID  uint64
	running bool
	stopCh  chan struct{}

	// group tracks every long-lived goroutine (accept loop, maintenance
	// ticker, one per connection) so Stop can wait on them collectively
	// with a bound, per spec.md §4.5.
	group *errgroup.Group
}

// New builds a Server. factory is invoked once per accepted
// connection to build its user handler (spec.md §6's "generator").
func New(cfg config.Config, log logging.Logger, m *metrics.Metrics, factory connection.HandlerFactory) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: m,
		factory: factory,
		conns:   make(map[uint64]*connection.Connection),
	}
	if cfg.AcceptRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRateLimit), cfg.AcceptRateLimit)
	}
	return s
}

// Start binds the listener and launches the accept loop and
// maintenance ticker. Per spec.md §7, this is the server's only
// fatal-to-the-process failure mode; everything else is per-connection.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}
	s.listener = ln
	s.stopCh = make(chan struct{})
	s.group, _ = errgroup.WithContext(context.Background())

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.group.Go(func() error { s.acceptLoop(); return nil })
	s.group.Go(func() error { s.maintenanceLoop(); return nil })

	s.log.Warn("server started", logging.Fields{"addr": ln.Addr().String(), "service": s.cfg.Service})
	return nil
}

// Addr returns the bound listener's address, useful for tests that
// bind to port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			s.log.Warn("accept failed", logging.Fields{"error": err.Error()})
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			_ = conn.Close()
			continue
		}

		s.handleAccepted(conn)
	}
}

func (s *Server) handleAccepted(raw net.Conn) {
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetReadBuffer(s.cfg.ReceiveBufferSize)
		_ = tcp.SetWriteBuffer(s.cfg.SendBufferSize)
	}

	id := s.allocateID()
	t := transport.New(raw, s.cfg.MaxReceiveSize, s.cfg.ReadWriteTimeout)
	opts := connection.Options{
		Service:          s.cfg.Service,
		PingInterval:     s.cfg.PingInterval,
		ReadWriteTimeout: s.cfg.ReadWriteTimeout,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		ShutdownTimeout:  s.cfg.ShutdownTimeout,
		MaxReceiveSize:   s.cfg.MaxReceiveSize,
	}
	c := connection.New(id, t, opts, s.log, s.metrics, s, s.factory)

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveConnections.Inc()
	}

	s.group.Go(func() error {
		defer func() {
			if s.metrics != nil {
				s.metrics.ActiveConnections.Dec()
			}
		}()
		s.driveConnection(c)
		return nil
	})
}

// driveConnection runs the FSM and, concurrently with its read loop,
// pumps the write queue at DataPollInterval so enqueued frames
// (heartbeats, echoes, broadcasts) actually reach the wire without
// waiting for the next inbound frame. Once the FSM leaves Connected,
// runClosing owns the write queue exclusively (its own Drain call), so
// the pump stops feeding it to avoid two goroutines writing the same
// socket during shutdown.
func (s *Server) driveConnection(c *connection.Connection) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(s.stopCh)
	}()

	ticker := time.NewTicker(s.cfg.DataPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			s.mu.Lock()
			delete(s.conns, c.ID)
			s.mu.Unlock()
			return
		case <-ticker.C:
			if c.State() != connection.StateConnected {
				continue
			}
			for {
				wrote, err := c.PumpWrites()
				if err != nil {
					c.HandleWriteError(err)
					break
				}
				if !wrote {
					break
				}
			}
		}
	}
}

func (s *Server) allocateID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Broadcast enqueues payload (an already-serialized frame) on every
// currently registered connection. Per spec.md §5 this iterates a
// snapshot taken under the registry lock; newcomers mid-broadcast may
// or may not receive it.
func (s *Server) Broadcast(payload []byte) {
	s.mu.Lock()
	snapshot := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		c.EnqueueRaw(payload)
	}
}

// ConnectedUsers returns a snapshot of currently tracked connections
// (supplemented control-surface detail, see SPEC_FULL.md).
func (s *Server) ConnectedUsers() []ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, ConnectionInfo{
			ID:          c.ID,
			RemoteAddr:  c.RemoteAddr(),
			ConnectedAt: c.CreatedAt,
			State:       c.State().String(),
		})
	}
	return out
}

func (s *Server) maintenanceLoop() {
	period := gcd(s.cfg.HandshakeTimeout, s.cfg.PingInterval)
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	start := time.Now()
	s.mu.Lock()
	snapshot := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		if c.CheckHandshakeTimeout() || c.CheckCloseTimeout() {
			c.ForceClose()
		}
	}
	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
}

// Stop requests cancellation of every connection's I/O and waits up
// to ShutdownTimeout for all driver goroutines to finish (spec.md
// §4.5). Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	_ = s.listener.Close()

	doneCh := make(chan error, 1)
	go func() { doneCh <- s.group.Wait() }()

	select {
	case err := <-doneCh:
		return err
	case <-time.After(s.cfg.ShutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", s.cfg.ShutdownTimeout)
	}
}

func gcd(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
