// Package server implements the broadcast chat server: connection admission
// (handshake, then a username frame) and broadcast fan-out to every other
// admitted connection, in the style of the teacher's tunnel/server.go
// Config/DefaultConfig/sync.Mutex-guarded-map shape.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/braidwire/braidwire/codec"
	"github.com/braidwire/braidwire/ferrors"
	"github.com/braidwire/braidwire/framing"
	"github.com/braidwire/braidwire/handshake"
	"github.com/braidwire/braidwire/internal/contextutil"
	"github.com/braidwire/braidwire/observability"
)

// Config is the server's runtime configuration.
type Config struct {
	// BroadcastTimeout bounds how long a single target's send may take
	// during a broadcast round before it is considered failed.
	BroadcastTimeout time.Duration

	// IncludeSender controls whether a broadcast round also delivers to
	// the connection that produced the message. The reference
	// implementation always includes the sender; braidwire defaults this
	// to false so tests can assert deterministically on non-sender
	// receivers, and exposes it as an explicit opt-in.
	IncludeSender bool

	// MaxMessageBytes is carried in the configuration and defaulted, but no
	// read path checks it: an admitted connection's frames are accepted at
	// any length the frame header can express.
	MaxMessageBytes int

	Observer observability.Observer
	Logger   zerolog.Logger
}

// DefaultConfig returns the server's conservative defaults.
func DefaultConfig() Config {
	return Config{
		BroadcastTimeout: 1 * time.Second,
		IncludeSender:    false,
		MaxMessageBytes:  1 << 20,
		Observer:         observability.Noop,
		Logger:           zerolog.Nop(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = d.BroadcastTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.Observer == nil {
		c.Observer = d.Observer
	}
}

// conn is one admitted connection: a socket, its negotiated codec, and a
// write mutex so broadcast fan-out and the connection's own goroutine never
// interleave writes on the same stream.
type conn struct {
	id       string
	username string
	codec    codec.Codec
	nc       net.Conn
	writeMu  sync.Mutex
}

func (c *conn) send(ctx context.Context, plaintext []byte) error {
	wire, err := c.codec.Encode(plaintext)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		done <- framing.WriteFrame(c.nc, wire)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Server is a running braidwire broadcast server.
type Server struct {
	cfg Config

	mu      sync.Mutex
	clients map[*conn]struct{}
}

// New constructs a Server from cfg, applying defaults for zero-valued fields.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:     cfg,
		clients: make(map[*conn]struct{}),
	}
}

// Serve accepts connections from ln until ctx is canceled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.ServeConn(ctx, nc)
	}
}

// ServeConn runs admission and the per-connection read loop over an
// already-established stream. It is exported so alternate transports (such
// as the websocket gateway) can admit a connection without going through
// Serve's TCP accept loop.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	s.handleConn(ctx, nc)
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	id := uuid.NewString()
	log := s.cfg.Logger.With().Str("conn_id", id).Logger()

	cdc, err := handshake.ServerNegotiate(nc)
	if err != nil {
		s.cfg.Observer.Handshake("unknown", observability.HandshakeError)
		log.Warn().Err(err).Msg("handshake failed")
		_ = nc.Close()
		return
	}
	alg := "plain"
	if _, ok := cdc.(*codec.AEAD); ok {
		alg = "dh"
	}
	s.cfg.Observer.Handshake(alg, observability.HandshakeOK)

	payload, err := framing.ReadFrame(nc)
	if err != nil {
		log.Warn().Err(ferrors.Wrap(ferrors.StageAdmission, ferrors.CodeShortRead, err)).Msg("username frame failed")
		_ = nc.Close()
		return
	}
	plaintext, err := cdc.Decode(payload)
	if err != nil {
		log.Warn().Err(ferrors.Wrap(ferrors.StageAdmission, ferrors.CodeAuthFailure, err)).Msg("username decode failed")
		_ = nc.Close()
		return
	}
	username := string(plaintext)

	c := &conn{id: id, username: username, codec: cdc, nc: nc}
	s.addClient(c)
	log = log.With().Str("username", username).Logger()
	log.Info().Msg("connection admitted")

	defer func() {
		s.removeClient(c)
		_ = nc.Close()
		log.Info().Msg("connection closed")
	}()

	for {
		payload, err := framing.ReadFrame(nc)
		if err != nil {
			return
		}
		plaintext, err := cdc.Decode(payload)
		if err != nil {
			log.Warn().Err(err).Msg("message decode failed")
			return
		}
		log.Info().Str("text", string(plaintext)).Msg("message received")
		out := []byte(fmt.Sprintf("%s > %s", username, plaintext))
		s.broadcast(ctx, c, out)
	}
}

func (s *Server) addClient(c *conn) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := int64(len(s.clients))
	s.mu.Unlock()
	s.cfg.Observer.ConnAdmitted()
	s.cfg.Observer.ConnCount(n)
}

func (s *Server) removeClient(c *conn) {
	s.mu.Lock()
	_, ok := s.clients[c]
	if ok {
		delete(s.clients, c)
	}
	n := int64(len(s.clients))
	s.mu.Unlock()
	if ok {
		s.cfg.Observer.ConnEvicted()
		s.cfg.Observer.ConnCount(n)
	}
}

// broadcast sends plaintext to every admitted connection other than from
// (unless IncludeSender is set), in parallel, each bounded by
// BroadcastTimeout. Targets that fail or time out are evicted once every
// send in the round has settled, so eviction never races with the fan-out
// itself.
func (s *Server) broadcast(ctx context.Context, from *conn, plaintext []byte) {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.clients))
	for c := range s.clients {
		if c == from && !s.cfg.IncludeSender {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	failed := make([]bool, len(targets))
	for i, c := range targets {
		wg.Add(1)
		go func(i int, c *conn) {
			defer wg.Done()
			sctx, cancel := contextutil.WithTimeout(ctx, s.cfg.BroadcastTimeout)
			defer cancel()
			err := c.send(sctx, plaintext)
			if err != nil {
				failed[i] = true
				if sctx.Err() != nil {
					s.cfg.Observer.Broadcast(observability.BroadcastTimeout)
					werr := ferrors.Wrap(ferrors.StageBroadcast, ferrors.CodeTimeout, err)
					s.cfg.Logger.Warn().Err(werr).Str("conn_id", c.id).Msg("broadcast target timed out")
				} else {
					s.cfg.Observer.Broadcast(observability.BroadcastError)
					werr := ferrors.Wrap(ferrors.StageBroadcast, ferrors.CodeShortRead, err)
					s.cfg.Logger.Warn().Err(werr).Str("conn_id", c.id).Msg("broadcast target failed")
				}
				return
			}
			s.cfg.Observer.Broadcast(observability.BroadcastOK)
		}(i, c)
	}
	wg.Wait()

	for i, c := range targets {
		if failed[i] {
			s.removeClient(c)
			_ = c.nc.Close()
		}
	}
}

// ConnCount returns the current number of admitted connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
