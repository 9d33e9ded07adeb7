// ABOUTME: Sidecar orchestrator that wires the registry, bridge and HTTP routes
// ABOUTME: Manages listener, port announcement, health endpoint and shutdown lifecycle

package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-sidecar/internal/agent"
	"github.com/2389/coven-sidecar/internal/auth"
	"github.com/2389/coven-sidecar/internal/config"
	"github.com/2389/coven-sidecar/internal/dedupe"
	"github.com/2389/coven-sidecar/internal/metrics"
	"github.com/2389/coven-sidecar/internal/rpc"
	"github.com/2389/coven-sidecar/internal/session"
	"github.com/2389/coven-sidecar/internal/store"
	"github.com/2389/coven-sidecar/internal/toolbridge"
)

// PortKey prefixes the port announcement line on stdout.
const PortKey = "SIDECAR_PORT"

// CallbackPath is where the agent posts tool callbacks.
const CallbackPath = "/tool-callback"

const shutdownTimeout = 5 * time.Second

// Options holds the components a Sidecar is built from.
type Options struct {
	Config *config.Config
	Client agent.Client
	// Ledger overrides the store opened from Config.Database. Optional.
	Ledger store.Store
	// Tools are registered in addition to the configured host tools.
	Tools []toolbridge.Tool
	// Stdout receives the port announcement. Defaults to os.Stdout.
	Stdout io.Writer
	Logger *slog.Logger
}

// callbackAware is implemented by clients that pass the callback URL to the
// agent process on start.
type callbackAware interface {
	SetCallbackURL(url string)
}

// Sidecar is the local bridge between an IDE host and the agent.
type Sidecar struct {
	config     *config.Config
	client     agent.Client
	ledger     store.Store
	registry   *session.Registry
	bridge     *toolbridge.Bridge
	dedupe     *dedupe.Cache
	dispatcher *rpc.Dispatcher
	handler    http.Handler
	httpServer *http.Server
	stdout     io.Writer
	logger     *slog.Logger
}

// New creates a Sidecar. Nothing listens until Run.
func New(opts Options) (*Sidecar, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Client == nil {
		return nil, errors.New("agent client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	ledger, err := initLedger(cfg, opts.Ledger, logger)
	if err != nil {
		return nil, err
	}

	var signer *auth.CallbackSigner
	if cfg.Auth.CallbackSecret != "" {
		signer, err = auth.NewCallbackSigner([]byte(cfg.Auth.CallbackSecret), cfg.Auth.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("creating callback signer: %w", err)
		}
	}

	regCfg := session.Config{
		Client:     opts.Client,
		Ledger:     ledger,
		BufferSize: cfg.Stream.BufferSize,
		Logger:     logger,
	}
	if signer != nil {
		regCfg.Tokens = signer
	}
	if cfg.Server.PublicURL != "" {
		regCfg.CallbackURL = strings.TrimRight(cfg.Server.PublicURL, "/") + CallbackPath
		if ca, ok := opts.Client.(callbackAware); ok {
			ca.SetCallbackURL(regCfg.CallbackURL)
		}
	}
	registry := session.NewRegistry(regCfg)

	tools, err := buildTools(cfg, opts.Tools)
	if err != nil {
		return nil, err
	}

	dedupeCache := dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize)
	bridge := toolbridge.New(toolbridge.Config{
		Tools: tools,
		Lookup: func(id string) (toolbridge.Session, bool) {
			sess, err := registry.Get(id)
			if err != nil {
				return nil, false
			}
			return sess, true
		},
		Defaults:          cfg.Permissions.Defaults,
		PermissionTimeout: cfg.Permissions.Timeout,
		Dedupe:            dedupeCache,
		Logger:            logger,
	})

	s := &Sidecar{
		config:   cfg,
		client:   opts.Client,
		ledger:   ledger,
		registry: registry,
		bridge:   bridge,
		dedupe:   dedupeCache,
		stdout:   stdout,
		logger:   logger.With("component", "sidecar"),
	}

	s.dispatcher = rpc.NewDispatcher(rpc.Config{Logger: logger, Observe: metrics.ObserveRPC})
	s.registerMethods(s.dispatcher)

	var callback http.Handler = bridge
	if signer != nil {
		callback = auth.RequireCallbackToken(signer, logger)(bridge)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Method(http.MethodPost, "/rpc", s.dispatcher)
	router.Get("/stream/{sessionId}", s.handleStream)
	router.Method(http.MethodPost, CallbackPath, callback)
	router.Get("/health", s.handleHealth)
	if cfg.Metrics.Enabled {
		router.Method(http.MethodGet, cfg.Metrics.Path, metrics.Handler())
	}
	s.handler = router

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// initLedger returns the configured ledger, opening the SQLite store when a
// database path is set.
func initLedger(cfg *config.Config, ledger store.Store, logger *slog.Logger) (store.Store, error) {
	if ledger != nil || cfg.Database.Path == "" {
		return ledger, nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return s, nil
}

// buildTools registers the host-forwarded tools from config plus extra.
func buildTools(cfg *config.Config, extra []toolbridge.Tool) (*toolbridge.Registry, error) {
	registry := toolbridge.NewRegistry()

	if len(cfg.Tools) > 0 {
		forwarder := toolbridge.NewHostForwarder(cfg.Host.CallbackURL, cfg.Host.Timeout)
		declared := make([]toolbridge.Tool, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			declared = append(declared, toolbridge.Tool{
				Name:             t.Name,
				Description:      t.Description,
				Category:         t.Category,
				RequiresApproval: t.RequiresApproval,
				Timeout:          t.Timeout,
			})
		}
		for _, t := range toolbridge.HostTools(forwarder, declared) {
			if err := registry.Register(t); err != nil {
				return nil, fmt.Errorf("registering tool: %w", err)
			}
		}
	}

	for _, t := range extra {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("registering tool: %w", err)
		}
	}
	return registry, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Sidecar) Handler() http.Handler {
	return s.handler
}

// Registry returns the session registry.
func (s *Sidecar) Registry() *session.Registry {
	return s.registry
}

// Bridge returns the tool callback bridge.
func (s *Sidecar) Bridge() *toolbridge.Bridge {
	return s.bridge
}

// SetCallbackBase points tool callbacks at baseURL unless a public URL is
// configured.
func (s *Sidecar) SetCallbackBase(baseURL string) {
	if s.config.Server.PublicURL != "" {
		return
	}
	url := strings.TrimRight(baseURL, "/") + CallbackPath
	s.registry.SetCallbackURL(url)
	if ca, ok := s.client.(callbackAware); ok {
		ca.SetCallbackURL(url)
	}
}

// Run listens, announces the port and serves until ctx is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Sidecar) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.Addr, err)
	}
	addr := ln.Addr().(*net.TCPAddr)

	s.SetCallbackBase("http://" + ln.Addr().String())

	if _, err := fmt.Fprintf(s.stdout, "%s=%d\n", PortKey, addr.Port); err != nil {
		_ = ln.Close()
		return fmt.Errorf("announcing port: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "agent", s.client.Status())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, fails pending approvals closed, closes
// every session and stops the agent. Session close failures are logged and
// do not stop the rest.
func (s *Sidecar) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down sidecar")

	// Closing sessions ends attached streams, which lets HTTP shutdown finish.
	httpDone := make(chan error, 1)
	go func() { httpDone <- s.httpServer.Shutdown(ctx) }()

	s.bridge.Close()
	if err := s.registry.CloseAll(ctx); err != nil {
		s.logger.Warn("closing sessions", "error", err)
	}

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", <-httpDone)
	errs = appendCloseError(errs, "agent close", s.client.Close())
	if s.ledger != nil {
		errs = appendCloseError(errs, "ledger close", s.ledger.Close())
	}
	s.dedupe.Close()

	return errors.Join(errs...)
}

// healthResponse is the JSON body of GET /health.
type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Agent    string `json:"agent"`
}

func (s *Sidecar) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:   "ok",
		Sessions: s.registry.Len(),
		Agent:    s.client.Status(),
	})
}
