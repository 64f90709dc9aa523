// Package api provides the HTTP server for MedPipe.
//
// It exposes the inbound SMS webhook that feeds the command interpreter and
// the account endpoints used by the setup form.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/MedPipe/internal/messaging"
	"github.com/BTreeMap/MedPipe/internal/stack"
	"github.com/BTreeMap/MedPipe/internal/store"
	"github.com/BTreeMap/MedPipe/internal/twiliosms"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultReadTimeout bounds reading one request.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds writing one response. Webhook replies may
	// wait on the text extractor, so it exceeds its timeout.
	DefaultWriteTimeout = 45 * time.Second
	// DefaultIdleTimeout closes idle keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr          string
	PublicBaseURL string
	Validator     *twiliosms.Validator
	Builder       *stack.Builder
	Clock         func() time.Time
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicBaseURL sets the externally visible base URL used to verify
// webhook signatures behind a proxy.
func WithPublicBaseURL(u string) Option {
	return func(o *Opts) { o.PublicBaseURL = u }
}

// WithSignatureValidator enables Twilio signature validation on the webhook.
func WithSignatureValidator(v *twiliosms.Validator) Option {
	return func(o *Opts) { o.Validator = v }
}

// WithStackBuilder sets the builder used by the stack endpoint.
func WithStackBuilder(b *stack.Builder) Option {
	return func(o *Opts) { o.Builder = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	st         store.Store
	handler    *messaging.ResponseHandler
	builder    *stack.Builder
	validator  *twiliosms.Validator
	publicURL  string
	now        func() time.Time
	router     *mux.Router
	httpServer *http.Server
}

// NewServer creates a Server and registers its routes.
func NewServer(st store.Store, handler *messaging.ResponseHandler, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Builder == nil {
		cfg.Builder = stack.NewBuilder()
	}
	s := &Server{
		st:        st,
		handler:   handler,
		builder:   cfg.Builder,
		validator: cfg.Validator,
		publicURL: cfg.PublicBaseURL,
		now:       cfg.Clock,
		router:    mux.NewRouter(),
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/sms/handle", s.smsHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/api/user/setup", s.setupHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/api/user/{phone}", s.getUserHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/user/{phone}/medications", s.updateMedicationsHandler).Methods(http.MethodPut)
	s.router.HandleFunc("/api/user/{phone}/caregivers", s.updateCaregiversHandler).Methods(http.MethodPut)
	s.router.HandleFunc("/api/user/{phone}/stack", s.stackHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/receipts", s.receiptsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP in the background. Listen errors other than a normal
// shutdown are reported on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Start: API listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("API server failed: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
