// Package main is the entry point for the BUMSink mail sink.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/bumsink/internal/config"
	"github.com/shineum/bumsink/internal/metrics"
	"github.com/shineum/bumsink/internal/pop3"
	"github.com/shineum/bumsink/internal/provider"
	"github.com/shineum/bumsink/internal/provider/graph"
	"github.com/shineum/bumsink/internal/provider/ses"
	"github.com/shineum/bumsink/internal/provider/stdout"
	"github.com/shineum/bumsink/internal/smtp"
	"github.com/shineum/bumsink/internal/store"
	"github.com/shineum/bumsink/internal/version"
)

// options holds the global command line flags.
type options struct {
	configPath string
	mailDir    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "bumsink",
		Short:         "Disposable SMTP sink with POP3 retrieval for integration tests",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML or TOML configuration file (optional)")
	rootCmd.PersistentFlags().StringVar(&opts.mailDir, "mail-dir", "", "mail directory, overrides configuration")

	rootCmd.AddCommand(
		newListCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
	)
	return rootCmd
}

// load reads and validates the configuration and installs the logger.
func (o *options) load() (*config.Config, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.mailDir != "" {
		cfg.MailDir = o.mailDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogger(cfg.LogLevel())
	return cfg, nil
}

// serve runs the SMTP and POP3 servers, plus the metrics endpoint when
// configured, until a signal arrives or one of them fails.
func serve(cfg *config.Config) error {
	st, err := store.New(cfg.MailDir)
	if err != nil {
		return fmt.Errorf("failed to open mail directory: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	relay, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:    cfg.SMTPAddr(),
		Backlog:       cfg.SMTP.Backlog,
		AcceptTimeout: cfg.AcceptTimeout(),
		Hostname:      cfg.SMTP.Host,
		Version:       version.Version,
		Store:         st,
		Relay:         relay,
	})
	popServer := pop3.New(pop3.ServerConfig{
		ListenAddr:    cfg.POP3Addr(),
		Backlog:       cfg.POP3.Backlog,
		AcceptTimeout: cfg.AcceptTimeout(),
		Version:       version.Version,
		Store:         st,
	})

	relayName := "none"
	if relay != nil {
		relayName = relay.Name()
	}
	slog.Info("starting bumsink",
		"version", version.Version,
		"mail_dir", st.Dir(),
		"smtp", cfg.SMTPAddr(),
		"pop3", cfg.POP3Addr(),
		"relay", relayName,
		"debug", cfg.Debug,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := smtpServer.ListenAndServe(gctx); err != nil {
			return fmt.Errorf("smtp server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := popServer.ListenAndServe(gctx); err != nil {
			return fmt.Errorf("pop3 server: %w", err)
		}
		return nil
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			if err := metrics.ListenAndServe(gctx, cfg.Metrics.Listen); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("bumsink stopped")
	return nil
}

// loadConfig loads configuration from the specified path (file + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectProvider builds the relay named by relay.provider. It returns nil when
// relaying is disabled.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Relay.Provider {
	case config.RelaySES:
		slog.Info("using AWS SES relay",
			"region", cfg.Relay.SES.Region,
			"sender", cfg.Relay.SES.Sender,
		)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.Relay.SES.Region,
			AccessKeyID:     cfg.Relay.SES.AccessKeyID,
			SecretAccessKey: cfg.Relay.SES.SecretAccessKey,
			Sender:          cfg.Relay.SES.Sender,
			Recipients:      cfg.Relay.SES.Recipients,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.RelayGraph:
		slog.Info("using Microsoft Graph relay",
			"sender", cfg.Relay.Graph.Sender,
		)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Relay.Graph.TenantID,
			ClientID:     cfg.Relay.Graph.ClientID,
			ClientSecret: cfg.Relay.Graph.ClientSecret,
			Sender:       cfg.Relay.Graph.Sender,
		}), nil

	case config.RelayStdout:
		slog.Info("using stdout relay")
		return stdout.New(), nil

	case config.RelayNone:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown relay provider %q", cfg.Relay.Provider)
	}
}
