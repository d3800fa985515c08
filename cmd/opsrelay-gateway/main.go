// ABOUTME: Entry point for the opsrelay-gateway coordinator
// ABOUTME: Serves the agent stream and HTTP API, plus small admin subcommands

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/opsrelay/internal/agent"
	"github.com/2389/opsrelay/internal/audit"
	"github.com/2389/opsrelay/internal/auth"
	"github.com/2389/opsrelay/internal/config"
	"github.com/2389/opsrelay/internal/gateway"
	"github.com/2389/opsrelay/internal/logging"
	"github.com/2389/opsrelay/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                  _
  ___  _ __  ___ _ __ ___| | __ _ _   _
 / _ \| '_ \/ __| '__/ _ \ |/ _' | | | |
| (_) | |_) \__ \ | |  __/ | (_| | |_| |
 \___/| .__/|___/_|  \___|_|\__,_|\__, |
      |_|                         |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: OPSRELAY_CONFIG env var > XDG_CONFIG_HOME/opsrelay/gateway.yaml > ~/.config/opsrelay/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("OPSRELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "opsrelay", "gateway.yaml")
}

func usage() {
	fmt.Println("Usage: opsrelay-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway server")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  agents                 Show readiness and connected agent count")
	fmt.Println("  devices                List connected devices")
	fmt.Println("  token                  Mint an API token (--subject, --role, --ttl)")
	fmt.Println("  verify-audit           Verify the audit hash chain in the database")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "devices":
		err = runDevices(ctx, args)
	case "token":
		err = runToken(args)
	case "verify-audit":
		err = runVerifyAudit(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.Disabled {
		yellow.Println("    ! API authentication disabled")
	}
	if len(cfg.Auth.AgentKeys) == 0 {
		yellow.Println("    ! no agent keys configured, envelopes are not verified")
	}

	fmt.Println()

	logger.Info("starting opsrelay-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// getJSON fetches path from the local gateway and returns the body.
func getJSON(ctx context.Context, cfg *config.Config, path, token string) ([]byte, error) {
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	if _, err := getJSON(ctx, cfg, "/health", ""); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	body, err := getJSON(ctx, cfg, "/health/ready", "")
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runDevices(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("devices", pflag.ContinueOnError)
	token := fs.String("token", os.Getenv("OPSRELAY_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	body, err := getJSON(ctx, cfg, "/api/devices", *token)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	var resp struct {
		Devices []agent.Info `json:"devices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(resp.Devices) == 0 {
		fmt.Println("no devices connected")
		return nil
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	for _, d := range resp.Devices {
		green.Print("● ")
		fmt.Printf("%-38s %s", d.DeviceID, d.Fingerprint)
		gray.Printf("  seen %s ago\n", time.Since(d.LastSeen).Round(time.Second))
	}
	return nil
}

func runToken(args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	subject := fs.String("subject", "", "principal id to embed in the token")
	roles := fs.StringSlice("role", []string{auth.RoleOperator}, "role to grant (repeatable)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("--subject is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}

	token, err := verifier.Generate(*subject, *roles, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runVerifyAudit(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("verify-audit", pflag.ContinueOnError)
	start := fs.Int64("start", 1, "first audit entry id to check")
	count := fs.Int("count", 0, "number of entries to check (0 checks through the newest)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *start < 1 {
		return errors.New("--start must be at least 1")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	last, err := s.LastAuditEntry(ctx)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Println("audit log is empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}

	n := *count
	if n <= 0 {
		n = int(last.ID - *start + 1)
	}
	if n <= 0 {
		return fmt.Errorf("--start %d is past the newest entry %d", *start, last.ID)
	}

	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	v, err := audit.New(s, logger).Verify(ctx, *start, n)
	if err != nil {
		return fmt.Errorf("verifying audit chain: %w", err)
	}

	if !v.Valid {
		color.New(color.FgRed, color.Bold).Printf("broken at entry %d", v.BrokenAt)
		fmt.Printf(": %s (%d links held)\n", v.Reason, v.Checked)
		return errors.New("audit chain verification failed")
	}

	color.New(color.FgGreen).Print("valid")
	fmt.Printf(": %d links checked from entry %d\n", v.Checked, *start)
	return nil
}
