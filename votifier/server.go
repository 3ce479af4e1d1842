package votifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pond "github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultPort is the port Votifier listeners conventionally use.
const DefaultPort = 8192

// Config holds listener tuning. Zero values are replaced with defaults by
// NewServer.
type Config struct {
	Addr    string
	Workers int
	// QueueSize is how many accepted connections may wait for a worker
	// before new ones are closed straight away.
	QueueSize int

	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	EarlyDataWindow  time.Duration
	ShutdownGrace    time.Duration

	StrictChallenge bool
	Debug           bool

	// RateLimit is connections per second allowed from one source IP. The
	// source is the address a PROXY preamble names, or the peer otherwise.
	// Zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
	// RateLimitIdle is how long a source's bucket is kept after its last
	// connection. It is never shorter than the bucket's refill time.
	RateLimitIdle time.Duration
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 2 * time.Second
	}
	if c.EarlyDataWindow <= 0 {
		c.EarlyDataWindow = 50 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * time.Second
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.RateLimitIdle <= 0 {
		c.RateLimitIdle = 10 * time.Minute
	}
	c.RateLimitIdle = max(c.RateLimitIdle, refillTime(c.RateLimit, c.RateBurst))
}

// Server accepts Votifier connections and hands each one to a worker.
type Server struct {
	cfg        Config
	keys       Decrypter
	dispatcher *Dispatcher
	metrics    *Metrics
	challenge  func() string

	pool    pond.Pool
	pending atomic.Int64
	running atomic.Bool

	limiter *sourceLimiter

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer builds a server. The dispatcher must be started by the caller.
func NewServer(cfg Config, keys Decrypter, dispatcher *Dispatcher, metrics *Metrics) *Server {
	cfg.setDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Server{
		cfg:        cfg,
		keys:       keys,
		dispatcher: dispatcher,
		metrics:    metrics,
		challenge:  newChallenge,
		pool:       pond.NewPool(cfg.Workers),
		conns:      make(map[net.Conn]struct{}),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newSourceLimiter(cfg.RateLimit, cfg.RateBurst, cfg.RateLimitIdle)
	}
	return s
}

// Metrics returns the server's counters.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ListenAndServe binds cfg.Addr and serves until ctx ends or Shutdown is
// called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.running.Store(true)
	s.mu.Unlock()

	logrus.Infof("🗳️  votifier listening on %s", ln.Addr())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.ShutdownGrace)
			defer cancel()
			_ = s.Shutdown(shutdownCtx)
		case <-stop:
		}
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			logrus.WithError(err).Warnf("votifier accept failed; retrying in %v", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.enqueue(conn)
	}
}

// enqueue hands conn to the pool. It never reads from conn. Rate limiting
// happens in the session, once any proxy preamble has named the source.
func (s *Server) enqueue(conn net.Conn) {
	if s.pending.Load() >= int64(s.cfg.Workers+s.cfg.QueueSize) {
		logrus.WithField("remote", conn.RemoteAddr().String()).Warn("votifier workers busy; dropping connection")
		s.metrics.connectionRejected("busy")
		_ = conn.Close()
		return
	}

	// Shutdown flips running under mu before stopping the pool, so nothing
	// is submitted to a stopped pool.
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.pending.Add(1)
	s.pool.Submit(func() {
		defer func() {
			s.pending.Add(-1)
			s.untrack(conn)
		}()
		s.newSession(conn).handle()
	})
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// InFlight returns how many connections are queued or being handled.
func (s *Server) InFlight() int {
	return int(s.pending.Load())
}

// Shutdown stops accepting, gives in-flight connections ShutdownGrace to
// finish and then closes whatever is left. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.running.Store(false)
		ln := s.listener
		s.mu.Unlock()
		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				logrus.WithError(err).Warn("closing votifier listener")
			}
		}

		done := s.pool.Stop().Done()
		grace := time.NewTimer(s.cfg.ShutdownGrace)
		defer grace.Stop()

		select {
		case <-done:
			return
		case <-grace.C:
		case <-ctx.Done():
		}

		n := s.closeAll()
		logrus.Warnf("votifier shutdown grace elapsed; closed %d connections", n)

		select {
		case <-done:
		case <-ctx.Done():
			s.shutdownErr = fmt.Errorf("votifier workers did not stop: %w", ctx.Err())
		}
	})
	return s.shutdownErr
}

func (s *Server) closeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	return len(s.conns)
}
