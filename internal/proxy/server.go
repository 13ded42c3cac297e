package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/uppnrise/iron-veil/internal/config"
	"github.com/uppnrise/iron-veil/internal/metrics"
	"github.com/uppnrise/iron-veil/internal/state"
)

// Server owns the accept loop and its admission controls: a whole-second
// token bucket for connection rate and a counting semaphore for concurrent
// connections. Sockets refused at admission are closed without a single byte
// written.
type Server struct {
	opts    Options
	st      *state.State
	metrics *metrics.Collector

	perSecond int
	sem       chan struct{}

	ln       net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer builds a server from pipeline options and admission limits.
func NewServer(opts Options, limits config.LimitsConfig, st *state.State, m *metrics.Collector) *Server {
	s := &Server{
		opts:      opts,
		st:        st,
		metrics:   m,
		perSecond: limits.ConnectionsPerSecond,
		stopCh:    make(chan struct{}),
	}
	if limits.MaxConnections > 0 {
		s.sem = make(chan struct{}, limits.MaxConnections)
	}
	return s
}

// Listen binds the proxy port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.ln = ln
	slog.Info("proxy listening",
		"addr", ln.Addr().String(),
		"protocol", s.opts.Protocol,
		"upstream", s.opts.UpstreamAddr)
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until Stop is called. Each accepted socket
// passes the rate limit, then the concurrency ceiling, then runs its own
// pipeline goroutine holding the semaphore permit for the connection's life.
func (s *Server) Serve() {
	tokens := s.perSecond
	lastRefill := time.Now()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				slog.Warn("accept error", "err", err)
				continue
			}
		}

		if s.perSecond > 0 {
			if time.Since(lastRefill) >= time.Second {
				tokens = s.perSecond
				lastRefill = time.Now()
			}
			if tokens == 0 {
				s.reject(conn, "rate_limit")
				continue
			}
			tokens--
		}

		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			default:
				s.reject(conn, "max_connections")
				continue
			}
		}

		id := s.st.NextConnectionID()
		s.st.ConnectionOpened()
		if s.metrics != nil {
			s.metrics.ConnectionOpened(string(s.opts.Protocol))
		}
		slog.Info("accepted connection", "conn", id, "client", conn.RemoteAddr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			defer func() {
				s.st.ConnectionClosed()
				if s.metrics != nil {
					s.metrics.ConnectionClosed()
				}
				if s.sem != nil {
					<-s.sem
				}
			}()

			pl := NewPipeline(id, s.opts, s.st, s.metrics)
			if err := pl.Run(conn); err != nil {
				slog.Error("connection failed", "conn", id, "client", conn.RemoteAddr().String(), "err", err)
			} else {
				slog.Info("connection closed", "conn", id)
			}
		}()
	}
}

func (s *Server) reject(conn net.Conn, reason string) {
	slog.Warn("connection refused", "reason", reason, "client", conn.RemoteAddr().String())
	if s.metrics != nil {
		s.metrics.ConnectionRejected(reason)
	}
	conn.Close()
}

// Stop halts the accept loop. In-flight connections keep running; Drain
// waits for them.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.ln != nil {
			s.ln.Close()
		}
	})
}

// Drain polls the active-connection gauge until it reaches zero or the grace
// period elapses. It reports whether the drain completed; on timeout the
// remaining connections are abandoned to process exit.
func (s *Server) Drain(grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for s.st.ActiveConnections() > 0 {
		if time.Now().After(deadline) {
			slog.Warn("shutdown grace period elapsed",
				"active_connections", s.st.ActiveConnections())
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
	return true
}
