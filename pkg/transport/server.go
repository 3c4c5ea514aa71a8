package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/mash-protocol/upnp-go/pkg/log"
)

// Server errors.
var (
	ErrAlreadyRunning = errors.New("transport: server already running")
	ErrNotRunning     = errors.New("transport: server not running")
	ErrNoHandler      = errors.New("transport: no notify handler")
)

// Callback route.
const (
	NotifyMethod = "NOTIFY"
	NotifyRoute  = "/notify/*path"
)

// Config configures a CallbackServer.
type Config struct {
	// Address to listen on, such as ":0" or "192.168.1.10:49152".
	Address string

	// AdvertiseHost overrides the host put into callback URLs. Empty
	// means the first non-loopback IPv4 address, or the listen host when
	// it is specific.
	AdvertiseHost string

	// ReadTimeout bounds reading a NOTIFY request.
	ReadTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown on Stop.
	ShutdownTimeout time.Duration

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger receives a trace event per inbound request.
	ProtocolLogger log.Logger
}

// DefaultConfig returns the standard callback server configuration.
func DefaultConfig() Config {
	return Config{
		Address:         ":0",
		ReadTimeout:     10 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
}

// CallbackServer serves the NOTIFY route.
type CallbackServer struct {
	config  Config
	logger  *slog.Logger
	trace   log.Logger
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewCallbackServer creates a stopped server that passes NOTIFY requests
// to handler.
func NewCallbackServer(config Config, handler http.Handler) *CallbackServer {
	if config.Address == "" {
		config.Address = ":0"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 2 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CallbackServer{
		config:  config,
		logger:  logger,
		trace:   log.Or(config.ProtocolLogger),
		handler: handler,
	}
}

// Handler returns the router serving the callback route.
func (s *CallbackServer) Handler() http.Handler {
	router := httprouter.New()
	router.HandleMethodNotAllowed = false
	router.Handle(NotifyMethod, NotifyRoute, s.serveNotify)
	return router
}

func (s *CallbackServer) serveNotify(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.handler.ServeHTTP(rec, r)

	ev := log.NewHTTPEvent(log.LayerEventing, log.DirectionIn, r.Method, r.URL.Path, rec.status, time.Since(start))
	ev.RemoteAddr = r.RemoteAddr
	ev.SID = r.Header.Get("SID")
	s.trace.Log(ev)
	s.logger.Debug("notify", "path", ps.ByName("path"), "sid", ev.SID, "status", rec.status)
}

// Start binds the listener and serves in the background.
func (s *CallbackServer) Start() error {
	if s.handler == nil {
		return ErrNoHandler
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp4", s.config.Address)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("transport: listen %s: %w", s.config.Address, err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadTimeout,
		ReadTimeout:       s.config.ReadTimeout,
	}

	s.mu.Lock()
	s.server, s.listener = server, listener
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Debug("callback server failed", "error", err)
		}
	}()

	s.logger.Debug("callback server started", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down and waits for in-flight requests.
func (s *CallbackServer) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}

	s.mu.Lock()
	server := s.server
	s.server, s.listener = nil, nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	err := server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = server.Close()
	}
	s.wg.Wait()
	s.logger.Debug("callback server stopped")
	return err
}

// IsRunning reports whether the server is started.
func (s *CallbackServer) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the listen address, or nil when stopped.
func (s *CallbackServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// BaseURL returns the scheme and host callback URLs are built on, or ""
// when stopped.
func (s *CallbackServer) BaseURL() string {
	addr, ok := s.Addr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	host := s.config.AdvertiseHost
	if host == "" && addr.IP != nil && !addr.IP.IsUnspecified() {
		host = addr.IP.String()
	}
	if host == "" {
		ip, err := LocalIPv4()
		if err != nil {
			ip = net.IPv4(127, 0, 0, 1)
		}
		host = ip.String()
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(addr.Port)))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
