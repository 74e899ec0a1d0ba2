package rest

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/logging"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// ServerConfig holds REST server configuration.
type ServerConfig struct {
	Address      string
	Version      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
}

// DefaultServerConfig returns default configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		CORSOrigins:  []string{"*"},
	}
}

// Server is the REST API server.
type Server struct {
	config   *ServerConfig
	logger   logging.Logger
	handlers *Handlers
	router   *mux.Router
	handler  http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new REST server.
func NewServer(cfg *ServerConfig, be Backend, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		config:   cfg,
		logger:   logger.WithFields("source", "rest"),
		handlers: NewHandlers(be, cfg.Version, cfg.WriteTimeout),
		router:   mux.NewRouter().StrictSlash(true),
	}

	s.setupRoutes()
	s.setupMiddleware()

	return s
}

func (s *Server) setupRoutes() {
	r := s.router.PathPrefix("/api/v1").Subrouter()

	r.HandleFunc("/health", s.handlers.HandleHealth).Methods(http.MethodGet).Name("health")
	r.HandleFunc("/status", s.handlers.HandleStatus).Methods(http.MethodGet).Name("status")
	r.HandleFunc("/barrier", s.handlers.HandleBarrier).Methods(http.MethodPost).Name("barrier")
	r.HandleFunc("/stepdown", s.handlers.HandleStepdown).Methods(http.MethodPost).Name("stepdown")

	r.HandleFunc("/members", s.handlers.HandleGetMembers).Methods(http.MethodGet).Name("members.get")
	r.HandleFunc("/members", s.handlers.HandleSetMembers).Methods(http.MethodPut).Name("members.set")

	r.HandleFunc("/kv", s.handlers.HandleListKeys).Methods(http.MethodGet).Name("kv.list")
	r.HandleFunc("/kv/{key:.+}", s.handlers.HandleGetKey).Methods(http.MethodGet).Name("kv.get")
	r.HandleFunc("/kv/{key:.+}", s.handlers.HandlePutKey).Methods(http.MethodPut).Name("kv.put")
	r.HandleFunc("/kv/{key:.+}", s.handlers.HandleDeleteKey).Methods(http.MethodDelete).Name("kv.delete")
	r.HandleFunc("/rename", s.handlers.HandleRename).Methods(http.MethodPost).Name("kv.rename")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(ConnectionTrackingMiddleware(s.handlers))

	var h http.Handler = s.router
	if len(s.config.CORSOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.config.CORSOrigins),
			handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", RequestIDHeader}),
			handlers.AllowedMethods([]string{"GET", "PUT", "POST", "DELETE", "OPTIONS"}),
			handlers.ExposedHeaders([]string{RequestIDHeader}),
		)(h)
	}
	s.handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
	)(handlers.ProxyHeaders(h))
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the REST server.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("REST server started", "address", listener.Addr().String())

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.config.Address
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the REST server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}

	s.logger.Info("REST server stopped")
	return nil
}
