// Package app wires the betting engine together and runs the goroutines of
// the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/polychain/internal/config"
	"github.com/alanyoungcy/polychain/internal/crypto"
	"github.com/alanyoungcy/polychain/internal/domain"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, selects the operating mode and blocks until the
// context is cancelled or a mode goroutine fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("transport", a.cfg.Feed.Transport),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "worker":
		return a.WorkerMode(ctx, deps)
	case "relay":
		return a.RelayMode(ctx, deps)
	case "server":
		return a.ServerMode(ctx, deps)
	case "replay":
		return a.ReplayMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ImportCredentials seals c into the credential vault. The signing key is
// resolved through key, so it can come from a sealed key file.
func (a *App) ImportCredentials(ctx context.Context, c domain.Credentials, key crypto.KeyConfig) error {
	keyHex, err := crypto.LoadKey(key)
	if err != nil {
		return fmt.Errorf("app: load key: %w", err)
	}
	c.PrivateKeyHex = keyHex

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	if deps.Credentials == nil {
		return fmt.Errorf("app: import credentials: no passphrase configured")
	}
	if err := deps.Credentials.Put(ctx, c); err != nil {
		return err
	}
	_ = deps.Audit.Log(ctx, "credentials_imported", map[string]any{
		"wallet": c.Wallet,
		"kind":   string(c.Kind),
	})
	a.logger.InfoContext(ctx, "credentials imported", slog.String("wallet", c.Wallet), slog.String("kind", string(c.Kind)))
	return nil
}
