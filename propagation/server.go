// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/haven-foundation/haven/identity"
	"github.com/haven-foundation/haven/lib/clock"
	"github.com/haven-foundation/haven/store"
)

// ServerConfig configures the inbound side of propagation.
type ServerConfig struct {
	// NodeID is this node's name, bound into handshake signatures.
	NodeID string
	// Address is the TCP listen address, e.g. ":7740". Use ":0" for a
	// random port.
	Address string

	Store    *store.Store
	Identity *identity.Identity
	Clock    clock.Clock
	Logger   *slog.Logger

	// MaxFrameBytes bounds a single wire frame in either direction.
	MaxFrameBytes int
	// SuspicionThreshold quarantines peers with this many recorded
	// verification failures.
	SuspicionThreshold int
}

// Server accepts inbound neighbor connections and answers their
// exchange rounds. The dialing side paces the rounds; the server
// just responds until the link dies.
type Server struct {
	cfg      ServerConfig
	listener net.Listener

	mu       sync.Mutex
	sessions sync.WaitGroup
	closed   bool
}

func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.NodeID == "":
		return nil, errors.New("propagation: ServerConfig.NodeID is required")
	case cfg.Store == nil:
		return nil, errors.New("propagation: ServerConfig.Store is required")
	case cfg.Identity == nil:
		return nil, errors.New("propagation: ServerConfig.Identity is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 16 << 20
	}
	if cfg.SuspicionThreshold <= 0 {
		cfg.SuspicionThreshold = 3
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("propagation: listen %s: %w", cfg.Address, err)
	}
	return &Server{cfg: cfg, listener: listener}, nil
}

// Address returns the bound listen address in host:port form.
func (s *Server) Address() string { return s.listener.Addr().String() }

// Serve accepts connections until ctx is cancelled or Close is
// called, then waits for in-flight sessions to finish.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.sessions.Wait()
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return fmt.Errorf("propagation: accept: %w", err)
		}
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn handshakes one inbound connection and answers exchange
// rounds until the peer goes away. Peer failures only end the one
// session; the server keeps accepting.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	link := &TCPLink{conn: conn, maxFrame: s.cfg.MaxFrameBytes}
	defer link.Close()

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	peer, err := handshake(hsCtx, link, s.cfg.Identity, s.cfg.NodeID)
	cancel()
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, errVersionMismatch) {
			level = slog.LevelInfo
		}
		s.cfg.Logger.Log(ctx, level, "inbound handshake failed",
			"remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	link.neighborID = peer.NodeID
	logger := s.cfg.Logger.With("neighbor", peer.NodeID)

	if err := s.cfg.Store.RecordNeighborSeen(ctx, peer.NodeID); err != nil {
		logger.Error("recording neighbor", "error", err)
		return
	}
	logger.Info("inbound neighbor authenticated")

	ex := &exchange{
		store:        s.cfg.Store,
		clock:        s.cfg.Clock,
		logger:       logger,
		link:         link,
		peer:         peer,
		retryBackoff: 2 * time.Second,
	}
	for {
		suspicion, err := s.cfg.Store.Suspicion(ctx, peer.NodeID)
		if err != nil {
			logger.Error("reading suspicion", "error", err)
			return
		}
		if suspicion >= s.cfg.SuspicionThreshold {
			logger.Warn("dropping quarantined neighbor", "suspicion", suspicion)
			return
		}
		if _, err := ex.runResponder(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Info("neighbor session ended", "error", err)
			}
			return
		}
	}
}

// Close stops the listener. In-flight sessions are not interrupted;
// Serve waits for them before returning.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.listener.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
