package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/a-h/iamacore/config"
	"github.com/a-h/iamacore/engine"
	"github.com/a-h/iamacore/lsp"
	"github.com/a-h/iamacore/metrics"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, cfgErr := config.Load()
	if cfgErr != nil {
		cfg = config.Default()
	}
	logLevel := cfg.LogLevel.String()

	cmd := &cobra.Command{
		Use:   "iamacore",
		Short: "Run the IAMA core engine language server",
		Long: `Run the IAMA core engine language server.

The server speaks the Language Server Protocol over stdin and stdout.
Logs are written to stderr, or to the file given by --log-file.
Settings can also be provided with IAMA_* environment variables.`,
		Example: `  # Usually started by an editor
  iamacore --log-file /tmp/iamacore.log`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgErr != nil {
				return cfgErr
			}
			if err := cfg.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.InOrStdin(), os.Stdout, cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "path to write the JSON log to (default stderr)")
	flags.StringVar(&logLevel, "log-level", logLevel, "minimum log level: DEBUG, INFO, WARN or ERROR")
	flags.Int64Var(&cfg.Concurrency, "concurrency", cfg.Concurrency, "number of requests handled at once")
	flags.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "largest accepted message body")
	flags.BoolVar(&cfg.StrictLifecycle, "strict", cfg.StrictLifecycle, "reject requests sent out of lifecycle order")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on (disabled when empty)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return cmd
}

// run serves a single client connection until it exits or closes its input.
func run(ctx context.Context, cfg config.Config, stdin io.Reader, stdout, stderr io.Writer) error {
	logOutput := stderr
	if cfg.LogFile != "" {
		lf, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer lf.Close()
		logOutput = lf
	}
	log := slog.New(slog.NewJSONHandler(logOutput, &slog.HandlerOptions{Level: cfg.LogLevel})).
		With(slog.String("session", uuid.NewString()))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []lsp.Option{
		lsp.WithConcurrencyLimit(cfg.Concurrency),
		lsp.WithMaxContentLength(cfg.MaxMessageBytes),
		lsp.WithStrictLifecycle(cfg.StrictLifecycle),
	}
	if cfg.MetricsAddr != "" {
		m, err := metrics.New()
		if err != nil {
			return err
		}
		l, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		go func() {
			if err := m.Serve(ctx, log, l); err != nil {
				log.Error("metrics stopped", slog.Any("error", err))
			}
		}()
		opts = append(opts, lsp.WithMetrics(m))
	}

	mux := lsp.NewMux(log, stdin, stdout, opts...)
	engine.New(log, mux, engine.WithServerInfo(cfg.ServerName, version)).Register(mux)

	log.Info(engine.StartedMessage,
		slog.String("version", version),
		slog.Int("pid", os.Getpid()),
		slog.Bool("strict", cfg.StrictLifecycle),
	)
	if err := mux.Process(ctx); err != nil {
		log.Error("processing stopped", slog.Any("error", err))
		return err
	}
	log.Info("processing stopped")
	return nil
}
