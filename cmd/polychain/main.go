// Command polychain runs the chain betting engine. It loads configuration,
// validates it, sets up signal handling, and starts the application in the
// configured mode. The import-key subcommand seals a wallet's trading
// credentials into the ledger instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/polychain/internal/app"
	"github.com/alanyoungcy/polychain/internal/config"
	"github.com/alanyoungcy/polychain/internal/crypto"
	"github.com/alanyoungcy/polychain/internal/domain"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flag.Arg(0) == "import-key" {
		if err := importKey(ctx, cfg, logger, flag.Args()[1:]); err != nil {
			logger.Error("import-key failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("polychain starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("polychain stopped")
}

func importKey(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("import-key", flag.ContinueOnError)
	wallet := fs.String("wallet", "", "wallet address the credentials belong to")
	kind := fs.String("kind", string(domain.CredentialEmbeddedWallet), "EMBEDDED_WALLET or API_KEY")
	funder := fs.String("funder", "", "proxy or safe address holding the funds")
	keyFile := fs.String("key-file", "", "file holding a sealed hex private key")
	keyPassword := fs.String("key-password", os.Getenv("POLYCHAIN_KEY_PASSWORD"), "password for -key-file")
	apiKey := fs.String("api-key", "", "CLOB API key")
	apiSecret := fs.String("api-secret", "", "CLOB API secret")
	apiPassphrase := fs.String("api-passphrase", "", "CLOB API passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}

	application := app.New(cfg, logger)
	defer application.Close()
	return application.ImportCredentials(ctx, domain.Credentials{
		Wallet:        *wallet,
		Kind:          domain.CredentialKind(strings.ToUpper(*kind)),
		FunderAddress: *funder,
		APIKey:        *apiKey,
		APISecret:     *apiSecret,
		APIPassphrase: *apiPassphrase,
	}, crypto.KeyConfig{
		RawPrivateKey:    os.Getenv("POLYCHAIN_IMPORT_PRIVATE_KEY"),
		EncryptedKeyPath: *keyFile,
		KeyPassword:      *keyPassword,
	})
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
