// ABOUTME: Gateway orchestrator that coordinates the gRPC agent stream and HTTP API
// ABOUTME: Owns the store, registry, lifecycle manager and their shutdown order

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/opsrelay/internal/actions"
	"github.com/2389/opsrelay/internal/agent"
	"github.com/2389/opsrelay/internal/audit"
	"github.com/2389/opsrelay/internal/auth"
	"github.com/2389/opsrelay/internal/command"
	"github.com/2389/opsrelay/internal/config"
	"github.com/2389/opsrelay/internal/events"
	"github.com/2389/opsrelay/internal/macro"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/store"
)

const (
	// Per-connection inbound frame budget.
	inboundRate  = 100
	inboundBurst = 200

	shutdownTimeout = 5 * time.Second

	tailnetGRPCPort = ":50051"
	tailnetHTTPPort = ":80"
)

// Gateway is the coordinator: it accepts agent streams, serves the HTTP API
// and drives commands through their lifecycle.
type Gateway struct {
	config      *config.Config
	store       store.Store
	agents      *agent.Manager
	commands    *command.Manager
	macros      *macro.Runner
	audit       *audit.Chain
	broadcaster *events.Broadcaster
	keys        *auth.KeyRing
	tokens      *auth.JWTVerifier // nil when auth is disabled
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time
}

// initStore opens the SQLite store named by config or OPSRELAY_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("OPSRELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// commandOptions maps the commands config section onto lifecycle options.
// Unset fields keep the lifecycle defaults.
func commandOptions(c config.CommandsConfig) command.Options {
	opts := command.DefaultOptions()
	durations := []struct {
		src time.Duration
		dst *time.Duration
	}{
		{c.DefaultTimeout, &opts.DefaultTimeout},
		{c.MinTimeout, &opts.MinTimeout},
		{c.MaxTimeout, &opts.MaxTimeout},
		{c.RetryBase, &opts.RetryBase},
		{c.RetryMax, &opts.RetryMax},
		{c.ConfirmTimeout, &opts.ConfirmTimeout},
		{c.MaxConfirmTimeout, &opts.MaxConfirmTimeout},
		{c.DispatchGrace, &opts.DispatchGrace},
	}
	for _, d := range durations {
		if d.src > 0 {
			*d.dst = d.src
		}
	}
	if c.DefaultMaxRetries != nil {
		opts.DefaultMaxRetries = *c.DefaultMaxRetries
	}
	if c.MaxRetriesCap > 0 {
		opts.MaxRetriesCap = c.MaxRetriesCap
	}
	if c.PreviewSize > 0 {
		opts.PreviewSize = c.PreviewSize
	}
	if c.OfflinePolicy != "" {
		opts.OfflinePolicy = command.OfflinePolicy(c.OfflinePolicy)
	}
	if c.RedispatchOnConnect != nil {
		opts.RedispatchOnConnect = *c.RedispatchOnConnect
	}
	return opts
}

// buildKeyRing loads the configured agent keys.
func buildKeyRing(keys map[string]string) (*auth.KeyRing, error) {
	ring := auth.NewKeyRing()
	for fingerprint, key := range keys {
		if err := ring.Add(fingerprint, key); err != nil {
			ring.Close()
			return nil, err
		}
	}
	return ring, nil
}

// createGRPCServer creates the agent-facing gRPC server with keepalive and
// the device authentication interceptor.
func createGRPCServer(ring *auth.KeyRing, requireKeys bool, logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(
			auth.AgentStreamInterceptor(ring, requireKeys, logger.With("component", "auth")),
		),
	)
}

// New creates a Gateway with a store opened from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := newGateway(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func newGateway(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ring, err := buildKeyRing(cfg.Auth.AgentKeys)
	if err != nil {
		return nil, fmt.Errorf("loading agent keys: %w", err)
	}

	var tokens *auth.JWTVerifier
	if !cfg.Auth.Disabled {
		tokens, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			ring.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	broadcaster := events.NewBroadcaster(logger.With("component", "broadcaster"))
	agents := agent.NewManager(logger.With("component", "agent-manager"))
	chain := audit.New(s, logger)
	catalog := actions.Default()

	opts := commandOptions(cfg.Commands)
	opts.ConfirmDevices = cfg.Auth.ConfirmDevices
	commands := command.NewManager(command.Deps{
		Store:    s,
		Audit:    chain,
		Registry: agents,
		Sink:     broadcaster,
		Catalog:  catalog,
		Logger:   logger,
	}, opts)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		agents:      agents,
		commands:    commands,
		macros:      macro.NewRunner(s, s, commands, chain, broadcaster, logger),
		audit:       chain,
		broadcaster: broadcaster,
		keys:        ring,
		tokens:      tokens,
		grpcServer:  createGRPCServer(ring, cfg.Auth.RequireAgentKeys, logger),
		logger:      logger.With("component", "gateway"),
		startedAt:   time.Now(),
	}

	protocol.RegisterAgentControlServer(gw.grpcServer, newAgentControlServer(gw, logger.With("component", "grpc")))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", g.config.Server.GRPCAddr,
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// reapIdle closes agent connections that stopped sending heartbeats.
func (g *Gateway) reapIdle(ctx context.Context) {
	timeout := g.config.Agents.HeartbeatTimeout
	if timeout <= 0 {
		timeout = config.DefaultHeartbeatTimeout
	}
	ticker := time.NewTicker(timeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, conn := range g.agents.ReapIdle(now, timeout) {
				g.broadcaster.Publish(events.Notification{
					Name:     protocol.EventHeartbeatTimeout,
					Severity: string(protocol.SeverityWarning),
					DeviceID: conn.DeviceID,
					Data: map[string]any{
						"connection_id": conn.ID,
						"last_seen":     conn.LastSeen(),
					},
				})
			}
		}
	}
}

// Run recovers open commands, starts the servers and blocks until ctx is
// cancelled or a server fails. It always shuts down before returning.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.commands.Recover(ctx); err != nil {
		return fmt.Errorf("recovering commands: %w", err)
	}

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go g.reapIdle(reapCtx)

	errCh := g.startServers(grpcListener, httpListener)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The run context is already done; shutdown gets a fresh deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "opsrelay-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens there for agents and API clients.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", tailnetHTTPPort)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, closes agent connections and releases the
// store. Timers of the lifecycle manager stop before the store closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Stream handlers return once their connection is closed.
	g.agents.CloseAll(agent.ReasonShutdown)
	g.shutdownGRPCServer(ctx)

	g.commands.Close()
	g.macros.Wait()
	g.broadcaster.Close()
	g.keys.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports whether the store answers, with the agent count.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"agents": len(g.agents.List()),
		"uptime": time.Since(g.startedAt).Round(time.Second).String(),
	}
	status := http.StatusOK
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		status = http.StatusServiceUnavailable
		body["error"] = "database unavailable"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
