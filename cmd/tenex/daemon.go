package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/tenex-run/tenex/internal/daemon"
	"github.com/tenex-run/tenex/internal/obs"
)

// DaemonCmd runs the full multi-project daemon: every cached project is
// loaded, then new project activations are discovered from whitelisted
// authors until the process receives SIGINT/SIGTERM.
type DaemonCmd struct {
	Whitelist []string `help:"Whitelisted author pubkeys, in addition to any configured in the config file." placeholder:"PUBKEY"`
}

func (c *DaemonCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	cfg.WhitelistedPubkeys = append(cfg.WhitelistedPubkeys, c.Whitelist...)
	if len(cfg.WhitelistedPubkeys) == 0 {
		return fmt.Errorf("daemon: at least one whitelisted pubkey is required (--whitelist or config whitelisted_pubkeys)")
	}

	d, err := daemon.New(*cfg)
	if err != nil {
		return fmt.Errorf("daemon: build: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs.Logger().Info("daemon starting", "relays", cfg.Relays, "whitelisted_pubkeys", len(cfg.WhitelistedPubkeys))
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	obs.Logger().Info("daemon stopped")
	return nil
}
