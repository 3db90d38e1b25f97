package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/d-osc/elit-sub004/pkg/protocol"
	"github.com/d-osc/elit-sub004/pkg/state"
	"github.com/d-osc/elit-sub004/pkg/transport"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used around message dispatch.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithClock overrides the wire timestamp source, for tests.
func WithClock(now func() int64) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Server owns the accepted connections and routes inbound messages to
// the state store. It implements http.Handler for the upgrade endpoint.
type Server struct {
	store   *state.Store
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() int64

	mu    sync.RWMutex
	conns map[*transport.Conn]struct{}
}

// New creates a server around a state store.
func New(store *state.Store, opts ...Option) *Server {
	s := &Server{
		store:  store,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("elit"),
		now:    protocol.NowMillis,
		conns:  make(map[*transport.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the server's state store.
func (s *Server) Store() *state.Store {
	return s.store
}

// ServeHTTP upgrades the request and runs the connection until it
// closes. A request that fails the handshake is answered with HTTP 400
// by the transport and never reaches an open connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		if s.metrics != nil {
			s.metrics.handshakeFailures.Inc()
		}
		s.logger.Debug("handshake rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.register(conn)
	s.logger.Debug("connection accepted", "remote", conn.RemoteAddr())

	if err := conn.SendMessage(protocol.NewConnected(s.now())); err != nil {
		s.logger.Debug("connected greeting failed", "error", err)
	}

	go s.readLoop(conn)
}

// register adds the connection to the registry and arranges cleanup.
// The close hook fires exactly once whether the connection is closed
// locally or the remote disconnects, which keeps the no-dangling-
// subscriber invariant: a closed socket is removed from every entry.
func (s *Server) register(conn *transport.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.activeConnections.Inc()
	}

	conn.OnClose(func() {
		s.store.UnsubscribeAll(conn)
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.activeConnections.Dec()
		}
		s.logger.Debug("connection closed", "remote", conn.RemoteAddr())
	})
}

// readLoop consumes messages until the connection fails or closes.
func (s *Server) readLoop(conn *transport.Conn) {
	for {
		payload, err := conn.NextMessage()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				s.logger.Debug("read loop ended", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		msg, err := protocol.DecodeMessage(payload)
		if err != nil {
			// Malformed payloads are dropped; the connection stays up.
			if s.metrics != nil {
				s.metrics.parseErrors.Inc()
			}
			s.logger.Debug("dropping malformed message", "remote", conn.RemoteAddr(), "error", err)
			continue
		}

		s.dispatch(conn, msg)
	}
}

// dispatch routes one inbound message by its type tag. Only the state
// family originates from clients; anything else is ignored.
func (s *Server) dispatch(conn *transport.Conn, msg *protocol.Message) {
	_, span := s.tracer.Start(context.Background(), "elit.dispatch",
		trace.WithAttributes(
			attribute.String("message.type", string(msg.Type)),
			attribute.String("state.key", msg.Key),
		))
	defer span.End()

	if s.metrics != nil {
		s.metrics.messagesReceived.WithLabelValues(string(msg.Type)).Inc()
	}

	switch msg.Type {
	case protocol.TypeSubscribe:
		if err := s.store.Subscribe(msg.Key, conn); err != nil {
			span.SetStatus(codes.Error, err.Error())
			s.logger.Warn("subscribe failed", "key", msg.Key, "error", err)
		}

	case protocol.TypeUnsubscribe:
		s.store.Unsubscribe(msg.Key, conn)

	case protocol.TypeChange:
		if err := s.store.HandleStateChange(msg.Key, msg.Value); err != nil {
			span.SetStatus(codes.Error, err.Error())
			var verr *state.ValidationError
			if errors.As(err, &verr) {
				s.logger.Warn("state change rejected", "key", msg.Key)
			} else {
				s.logger.Warn("state change failed", "key", msg.Key, "error", err)
			}
		}

	default:
		s.logger.Debug("ignoring message type", "type", msg.Type)
	}
}

// Broadcast serializes the message once and writes it to every open
// connection. Connections that are closing or closed are skipped. It
// returns the number of deliveries.
func (s *Server) Broadcast(msg *protocol.Message) int {
	data, err := msg.Encode()
	if err != nil {
		s.logger.Error("broadcast encode failed", "type", msg.Type, "error", err)
		return 0
	}

	s.mu.RLock()
	conns := make([]*transport.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if conn.ReadyState() != transport.StateOpen {
			continue
		}
		if err := conn.Send(data); err != nil {
			continue
		}
		delivered++
	}

	if s.metrics != nil {
		s.metrics.broadcastDeliveries.Add(float64(delivered))
	}
	return delivered
}

// ConnCount returns the number of registered connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close closes every registered connection.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*transport.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}
