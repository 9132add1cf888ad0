// Package gateway exposes the orchestrator over HTTP: a JSON and SSE REST
// API plus a WebSocket RPC surface that also forwards bus events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/middleware"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// ServerConfig holds listener and HTTP policy settings.
type ServerConfig struct {
	Addr             string
	OriginPatterns   []string
	RateLimitEnabled bool
	RateLimit        middleware.RateLimitConfig
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// push queues a frame, waiting while the connection is open.
func (cc *clientConn) push(f Frame) bool {
	select {
	case cc.sendCh <- f:
		return true
	case <-cc.done:
		return false
	}
}

// Server is the HTTP and WebSocket gateway.
type Server struct {
	deps       HandlerDeps
	auth       Authenticator
	cfg        ServerConfig
	logger     *slog.Logger
	metrics    *Metrics
	startTime  time.Time
	clients    sync.Map // connID (uint64) -> *clientConn
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	nextID     atomic.Uint64

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsubAll  func()
}

// NewServer creates a gateway server and registers the default RPC methods.
func NewServer(deps HandlerDeps, auth Authenticator, cfg ServerConfig) *Server {
	s := &Server{
		deps:      deps,
		auth:      auth,
		cfg:       cfg,
		logger:    deps.Logger,
		metrics:   &Metrics{},
		startTime: time.Now(),
		handlers:  make(map[string]RPCHandler),
	}
	RegisterDefaultHandlers(s, deps)
	return s
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// Handler builds the routed, middleware-wrapped HTTP handler. Background
// work started for it (rate limiter sweeps) ends with ctx.
func (s *Server) Handler(ctx context.Context) http.Handler {
	authed := func(h http.HandlerFunc) http.Handler { return requireAuth(s.auth, h) }

	api := http.NewServeMux()
	api.Handle("POST /api/v1/execute", authed(s.counted(executeHandler(s.deps))))
	api.Handle("POST /api/v1/sessions", authed(sessionSpawnHandler(s.deps)))
	api.Handle("GET /api/v1/sessions", authed(sessionListHandler(s.deps)))
	api.Handle("GET /api/v1/sessions/{id}", authed(sessionFetchHandler(s.deps)))
	api.Handle("DELETE /api/v1/sessions/{id}", authed(sessionKillHandler(s.deps)))
	api.Handle("GET /api/v1/targets", authed(targetListHandler(s.deps)))
	api.Handle("POST /api/v1/targets/{name}/ops/{op}", authed(targetOpHandler(s.deps)))
	api.Handle("GET /api/v1/status", authed(statusHandler(s.deps, s.startTime, s.metrics)))
	api.Handle("GET /metrics", authed(metricsHandler(s.deps, s.startTime, s.metrics)))
	api.HandleFunc("GET /healthz", healthzHandler)

	var limit func(http.Handler) http.Handler = func(h http.Handler) http.Handler { return h }
	if s.cfg.RateLimitEnabled {
		limit = middleware.RateLimit(ctx, s.cfg.RateLimit)
	}

	root := http.NewServeMux()
	root.Handle("/", middleware.Chain(api, middleware.SecurityHeaders, middleware.RequestLog(s.logger), limit))
	// The upgrade needs the raw ResponseWriter, so request logging is skipped.
	root.Handle("GET /ws", limit(http.HandlerFunc(s.handleUpgrade)))
	return root
}

// counted tracks in-flight and total execute requests.
func (s *Server) counted(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.ExecuteRequests.Add(1)
		s.metrics.InFlight.Add(1)
		defer s.metrics.InFlight.Add(-1)
		next(w, r)
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	if s.deps.Bus != nil {
		s.unsubAll = s.deps.Bus.SubscribeAll(s.forwardEvent)
	}
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop(context.Background())
		case <-stopped:
		}
	}()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// forwardEvent pushes a bus event to every connected client. Slow clients
// miss events rather than stall the bus.
func (s *Server) forwardEvent(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			s.logger.Warn("dropped event for slow client", "event", event.Type)
		}
		return true
	})
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, unsub := s.httpSrv, s.unsubAll
	s.unsubAll = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to. Empty before Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(requestToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	origins := append([]string{
		"localhost",
		"localhost:*",
		"127.0.0.1",
		"127.0.0.1:*",
		"[::1]",
		"[::1]:*",
	}, s.cfg.OriginPatterns...)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		info:   info,
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	info.push = cc.push
	s.clients.Store(connID, cc)
	s.metrics.WSClients.Add(1)
	defer s.metrics.WSClients.Add(-1)

	s.logger.Info("gateway client connected", "conn_id", connID, "client", info.Name)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	s.metrics.RPCCalls.Add(1)
	if !ok {
		s.sendResponse(cc, req.ID, nil, domain.ErrRPCMethodNotFound)
		return
	}
	result, err := handler(ctx, cc.info, req.Payload)
	s.sendResponse(cc, req.ID, result, err)
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	if !cc.push(resp) {
		s.logger.Warn("dropped rpc response for closed client", "frame_id", id)
	}
}
