package gateway

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/librescoot/gt06-gateway/pkg/session"
	"github.com/librescoot/gt06-gateway/pkg/telemetry"
)

// Server is the TCP accept loop §1 scopes out of the core but which every
// host application needs to actually run it: "a thin adapter", passed its
// dependencies explicitly rather than reaching for ambient singletons
// (§9 "Global mutable state").
type Server struct {
	addr     string
	registry *session.Registry
	emitter  *telemetry.Emitter
	conns    *ConnectionTable
	logger   *log.Logger
	cfg      Config

	listener net.Listener
	wg       sync.WaitGroup
	nextID   uint64
	quit     chan struct{}
}

// NewServer constructs a Server bound to addr, with its dependencies
// supplied by the caller (cmd/gt06-gateway wires them at startup).
func NewServer(addr string, registry *session.Registry, emitter *telemetry.Emitter, conns *ConnectionTable, logger *log.Logger, cfg Config) *Server {
	return &Server{
		addr:     addr,
		registry: registry,
		emitter:  emitter,
		conns:    conns,
		logger:   logger,
		cfg:      cfg,
		quit:     make(chan struct{}),
	}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// ListenAndServe opens the listener and accepts connections until Stop is
// called. Each accepted connection is handed to an independent goroutine
// (§5 "Scheduling model": "Each accepted TCP connection is processed by an
// independent worker").
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logf("gateway: listening on %s", s.addr)

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				s.logf("gateway: accept error: %v", err)
				continue
			}
		}
		id := fmt.Sprintf("c%d", atomic.AddUint64(&s.nextID, 1))
		conn := NewConn(id, nc, s.registry, s.emitter, s.logger, s.cfg)
		s.conns.Register(id, conn)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Unregister(id)
			conn.Run()
		}()
	}
}

// Stop closes the listener, stops accepting new connections, and waits for
// in-flight workers to drain — §9's shutdown order: "stop accepting new
// connections, drain workers".
func (s *Server) Stop(drainTimeout time.Duration) {
	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logf("gateway: shutdown: drain timeout exceeded, some workers still running")
	}
}
