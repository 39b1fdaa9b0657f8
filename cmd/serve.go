package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"modelgate/internal/config"
	"modelgate/internal/contextwindow"
	"modelgate/internal/gateway"
	"modelgate/internal/provider"
	providerfactory "modelgate/internal/provider/factory"
	"modelgate/internal/relay"
	"modelgate/internal/server"
	"modelgate/internal/vault"
	"modelgate/internal/webcontext"
)

const serveUsage = `Usage:
  modelgate serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	// Local development keeps the master key in a .env file; absence is
	// fine in deployed environments.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	rawKey := os.Getenv(cfg.Vault.MasterKeyEnv)
	if rawKey == "" {
		return fmt.Errorf("environment variable %s must hold the vault master key", cfg.Vault.MasterKeyEnv)
	}
	masterKey, err := vault.ParseMasterKey(rawKey)
	if err != nil {
		return fmt.Errorf("read master key from %s: %w", cfg.Vault.MasterKeyEnv, err)
	}

	secrets, err := vault.New(masterKey, vault.NewMemoryStore())
	if err != nil {
		return err
	}

	client := &http.Client{}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry, client); err != nil {
		return err
	}

	window := contextwindow.NewManager(
		cfg.ContextWindow.CompressionThreshold,
		cfg.ContextWindow.CharsPerToken,
		cfg.ContextWindow.ImageTokenSurcharge,
	)

	gw, err := gateway.New(registry, secrets, window, cfg.ContextWindow, cfg.Compare.MaxTargets)
	if err != nil {
		return err
	}

	rl := relay.New(cfg.Stream.KeepaliveInterval())
	fetcher := webcontext.NewFetcher(client, cfg.WebContext.MaxBodyBytes,
		time.Duration(cfg.WebContext.TimeoutSeconds)*time.Second)

	srv, err := server.New(cfg, gw, secrets, rl, fetcher)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
