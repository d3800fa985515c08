// ABOUTME: Entry point for the opsrelay-agent device runtime
// ABOUTME: Connects to the gateway, executes catalog actions and streams results back

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/opsrelay/internal/actions"
	"github.com/2389/opsrelay/internal/auth"
	"github.com/2389/opsrelay/internal/config"
	"github.com/2389/opsrelay/internal/executor"
	"github.com/2389/opsrelay/internal/logging"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/runtime"
	"github.com/2389/opsrelay/internal/supervisor"
)

// Version is set at build time.
var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "fingerprint":
			if err := runFingerprint(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "version":
			fmt.Println(version)
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("opsrelay-agent", pflag.ContinueOnError)
	config.RegisterAgentFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadAgent(fs, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	var key ssh.Signer
	if cfg.KeyPath != "" {
		key, err = auth.LoadSigner(cfg.KeyPath)
		if err != nil {
			return fmt.Errorf("loading ssh key: %w", err)
		}
	}

	fingerprint := cfg.Fingerprint
	if fingerprint == "" {
		if key == nil {
			return errors.New("either --fingerprint or --ssh-key is required")
		}
		fingerprint = auth.ComputeFingerprint(key.PublicKey())
	}

	printStartup(cfg, fingerprint, key != nil)

	cc, err := grpc.NewClient(cfg.Coordinator,
		grpc.WithTransportCredentials(transportCredentials(cfg)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return fmt.Errorf("creating gateway client: %w", err)
	}
	defer cc.Close()

	sup := supervisor.New(logger)
	exec := executor.New(actions.Default(), sup, executor.Options{
		Readonly:     cfg.Readonly,
		AllowedRoots: cfg.AllowedRoots,
		MaxOutput:    cfg.MaxOutputBytes,
	}, logger)

	// A nil *EnvelopeSigner must not reach the runtime as a non-nil interface.
	var signer protocol.Signer
	if key != nil {
		signer = auth.NewEnvelopeSigner(key)
	}

	rt := runtime.New(
		runtime.GRPCDialer(cc, fingerprint, key),
		exec,
		signer,
		runtime.Options{
			HeartbeatInterval:   cfg.HeartbeatInterval,
			ReconnectBase:       cfg.ReconnectBase,
			ReconnectMax:        cfg.ReconnectMax,
			IdempotencyCapacity: cfg.IdempotencyCapacity,
			ChunkSize:           cfg.ChunkSize,
			PreviewSize:         cfg.PreviewSize,
		},
		logger,
	)

	logger.Info("starting opsrelay-agent",
		"coordinator", cfg.Coordinator,
		"fingerprint", fingerprint,
		"readonly", cfg.Readonly,
	)

	err = rt.Run(ctx)

	if killed := exec.Shutdown(); killed > 0 {
		logger.Info("killed running commands on shutdown", "count", killed)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

func transportCredentials(cfg config.Agent) credentials.TransportCredentials {
	if cfg.Insecure {
		return insecure.NewCredentials()
	}
	return credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
}

func printStartup(cfg config.Agent, fingerprint string, signed bool) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	gray.Printf("opsrelay-agent %s\n\n", version)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:     %s\n", cfg.Coordinator)
	green.Print("    ▶ ")
	fmt.Printf("Fingerprint: %s\n", fingerprint)
	if cfg.Readonly {
		green.Print("    ▶ ")
		fmt.Println("Mode:        readonly")
	}
	if !signed {
		yellow.Println("    ! no ssh key, envelopes are unsigned")
	}
	if cfg.Insecure {
		yellow.Println("    ! TLS disabled")
	}
	fmt.Println()
}

// runFingerprint prints the fingerprint the gateway will see for a key.
func runFingerprint(args []string) error {
	fs := pflag.NewFlagSet("fingerprint", pflag.ContinueOnError)
	keyPath := fs.String("ssh-key", "", "path to the ssh private key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyPath == "" {
		return errors.New("--ssh-key is required")
	}

	key, err := auth.LoadSigner(*keyPath)
	if err != nil {
		return fmt.Errorf("loading ssh key: %w", err)
	}

	fmt.Println(auth.ComputeFingerprint(key.PublicKey()))
	fmt.Print(string(ssh.MarshalAuthorizedKey(key.PublicKey())))
	return nil
}
