// Package transport implements the listener and per-connection interactor:
// TCP (optionally TLS) accept loop, authentication handshake, and the
// bidirectional frame pump that turns a socket into hub ClientEvents and
// back (spec.md §4.2). The interactor never touches routing state directly;
// it only ever calls hub.Submit.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/squawkbus/squawkbus/internal/authstore"
	"github.com/squawkbus/squawkbus/internal/hub"
	"github.com/squawkbus/squawkbus/internal/metrics"
	"github.com/squawkbus/squawkbus/internal/wire"
)

// Config controls listener and per-connection behavior.
type Config struct {
	Endpoint string
	TLS      bool
	CertFile string
	KeyFile  string

	// HandshakeTimeout bounds how long the authentication handshake may
	// take before the connection is closed.
	HandshakeTimeout time.Duration

	// InboundRatePerSec and InboundBurst configure the per-connection token
	// bucket guarding against a client flooding the hub with frames
	// (SPEC_FULL.md §4.2; adapted from src/resource_guard.go's NATS/broadcast
	// rate limiting, retargeted at inbound frames since this system has no
	// broker to protect).
	InboundRatePerSec float64
	InboundBurst      int

	// MaxFrameBytes bounds the allocation ReadFrame will make for a single
	// frame's payload.
	MaxFrameBytes uint32
}

// DefaultConfig returns the values named in SPEC_FULL.md §6's CLI table.
func DefaultConfig() Config {
	return Config{
		Endpoint:          "0.0.0.0:8080",
		HandshakeTimeout:  10 * time.Second,
		InboundRatePerSec: 200,
		InboundBurst:      400,
		MaxFrameBytes:     10 << 20,
	}
}

// Server accepts connections and hands each to its own interactor.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	hub      *hub.Hub
	auth     *authstore.Store
	metrics  *metrics.Registry
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a Server. auth governs the handshake; hub owns routing.
func NewServer(cfg Config, logger *zap.Logger, h *hub.Hub, auth *authstore.Store, metricsRegistry *metrics.Registry) *Server {
	return &Server{cfg: cfg, logger: logger, hub: h, auth: auth, metrics: metricsRegistry}
}

// Start binds the listener (wrapping in TLS if configured) and begins the
// accept loop in the background. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport: already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.cfg.Endpoint, err)
	}

	if s.cfg.TLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("transport: load TLS keypair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	s.listener = ln
	s.logger.Info("transport listening", zap.String("addr", s.cfg.Endpoint), zap.Bool("tls", s.cfg.TLS))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Stop closes the listener and waits for every in-flight connection's
// goroutines to finish.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("accept error", zap.Error(err))
			if s.metrics != nil {
				s.metrics.AcceptErrors.Inc()
			}
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			newInteractor(s, c).run(ctx)
		}(conn)
	}
}

// interactor is the per-connection state machine of spec.md §4.2. It holds
// no routing state of its own beyond its identity and the rate limiter;
// every routing decision happens inside the hub.
type interactor struct {
	server  *Server
	conn    net.Conn
	limiter *rate.Limiter

	id   hub.ClientID
	host string
	user string
}

func newInteractor(s *Server, conn net.Conn) *interactor {
	rps := s.cfg.InboundRatePerSec
	burst := s.cfg.InboundBurst
	if rps <= 0 {
		rps = DefaultConfig().InboundRatePerSec
	}
	if burst <= 0 {
		burst = DefaultConfig().InboundBurst
	}
	return &interactor{
		server:  s,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (ia *interactor) run(parentCtx context.Context) {
	defer ia.conn.Close()

	host, _, err := net.SplitHostPort(ia.conn.RemoteAddr().String())
	if err != nil {
		host = ia.conn.RemoteAddr().String()
	}
	ia.host = host

	reader := bufio.NewReader(ia.conn)

	if !ia.handshake(reader) {
		return
	}

	outbound := make(chan hub.OutboundMessage, ia.server.hub.OutboxCapacity())
	ctx, err := ia.connect(parentCtx, outbound)
	if err != nil {
		ia.server.logger.Warn("hub submit failed during connect", zap.Error(err))
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ia.egress(connCtx, outbound)
	}()

	ia.ingress(connCtx, reader)
	cancel()
	<-done

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	_ = ia.server.hub.Submit(closeCtx, hub.OnClose(ia.id))
}

// handshake reads exactly one AuthenticationRequest and authenticates it.
// On failure the socket is closed without ever emitting OnConnect.
func (ia *interactor) handshake(reader *bufio.Reader) bool {
	_ = ia.conn.SetReadDeadline(time.Now().Add(ia.server.cfg.HandshakeTimeout))
	defer ia.conn.SetReadDeadline(time.Time{})

	msg, err := wire.ReadFrame(reader, ia.server.cfg.MaxFrameBytes)
	if err != nil {
		ia.server.logger.Debug("handshake read failed", zap.Error(err))
		return false
	}
	if msg.Type != wire.TypeAuthenticationRequest {
		ia.server.logger.Debug("expected AuthenticationRequest", zap.Stringer("got", msg.Type))
		return false
	}

	user, ok := ia.server.auth.Verify(msg.AuthMethod, msg.AuthCredentials)
	if !ok {
		ia.server.logger.Info("authentication failed", zap.String("method", msg.AuthMethod), zap.String("host", ia.host))
		if ia.server.metrics != nil {
			ia.server.metrics.AuthFailures.Inc()
		}
		return false
	}

	ia.id = hub.ClientID(uuid.NewString())
	ia.user = user

	if err := wire.WriteFrame(ia.conn, wire.AuthenticationResponse(string(ia.id))); err != nil {
		ia.server.logger.Debug("failed to write AuthenticationResponse", zap.Error(err))
		return false
	}
	return true
}

func (ia *interactor) connect(ctx context.Context, outbound chan hub.OutboundMessage) (context.Context, error) {
	if ia.server.metrics != nil {
		ia.server.metrics.ActiveConnections.Inc()
	}
	err := ia.server.hub.Submit(ctx, hub.OnConnect(ia.id, ia.host, ia.user, outbound))
	return ctx, err
}

// ingress decodes frames until EOF, decode error, or rate-limit violation,
// forwarding each to the hub. Exactly one OnClose is emitted by run() after
// this returns.
func (ia *interactor) ingress(ctx context.Context, reader *bufio.Reader) {
	defer func() {
		if ia.server.metrics != nil {
			ia.server.metrics.ActiveConnections.Dec()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if !ia.limiter.Allow() {
			ia.server.logger.Info("closing connection: inbound rate exceeded", zap.String("client_id", string(ia.id)))
			if ia.server.metrics != nil {
				ia.server.metrics.RateLimited.Inc()
			}
			return
		}

		msg, err := wire.ReadFrame(reader, ia.server.cfg.MaxFrameBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				ia.server.logger.Debug("frame read error", zap.String("client_id", string(ia.id)), zap.Error(err))
				if ia.server.metrics != nil {
					ia.server.metrics.FrameErrors.Inc()
				}
			}
			return
		}

		if !isClientToServerMessage(msg.Type) {
			ia.server.logger.Debug("unknown message type on ingress", zap.String("client_id", string(ia.id)), zap.Stringer("type", msg.Type))
			if ia.server.metrics != nil {
				ia.server.metrics.FrameErrors.Inc()
			}
			return
		}

		if err := ia.server.hub.Submit(ctx, hub.OnMessage(ia.id, msg)); err != nil {
			// Fatal to this connection per spec.md §7 "Hub inbox send failure".
			return
		}
	}
}

// egress drains the per-connection outbound channel and writes each message
// to the socket until ctx is cancelled or a write fails.
func (ia *interactor) egress(ctx context.Context, outbound <-chan hub.OutboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			if err := wire.WriteFrame(ia.conn, msg); err != nil {
				ia.server.logger.Debug("write error", zap.String("client_id", string(ia.id)), zap.Error(err))
				return
			}
		}
	}
}

// isClientToServerMessage reports whether t is a type a client is permitted
// to send; Forwarded* variants and AuthenticationResponse are server-to-client
// only (spec.md §7 "Unknown message type on server ingress": Close connection).
func isClientToServerMessage(t wire.MessageType) bool {
	switch t {
	case wire.TypeMulticastData, wire.TypeUnicastData, wire.TypeSubscriptionRequest, wire.TypeNotificationRequest:
		return true
	default:
		return false
	}
}
