package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/numberguard/internal/config"
	"github.com/agentworkforce/numberguard/internal/docstore"
	"github.com/agentworkforce/numberguard/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newCommand(os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCommand(stderr io.Writer) *cobra.Command {
	v := config.New()
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "numberguardd",
		Short:         "Serve per-user contact documents over HTTP and websockets",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			logger, closer, err := config.NewLogger(cfg.Log, stderr)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, nil)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $NUMBERGUARD_HOME/config.yaml)")
	flags.String("addr", "", "listen address")
	flags.String("docstore", "", "document store DSN (memory:// or postgres://...)")
	flags.String("jwt-secret", "", "HMAC secret for bearer tokens")
	flags.Int("rate-limit", 0, "requests per user per window, 0 disables")
	flags.String("log-level", "", "log level")
	flags.String("log-file", "", "write JSON logs to this file, rotated")
	flags.String("log-format", "", "console or json")
	for key, flag := range map[string]string{
		"server.addr":           "addr",
		"server.docstore_dsn":   "docstore",
		"server.jwt_secret":     "jwt-secret",
		"server.rate_limit_max": "rate-limit",
		"log.level":             "log-level",
		"log.file":              "log-file",
		"log.format":            "log-format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func newHandler(cfg config.ServerConfig, store docstore.Store, logger zerolog.Logger) http.Handler {
	return httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
	})
}

// serve runs the document service until ctx is done, then stops accepting
// connections and waits for in-flight requests. A nil listener means listen
// on cfg.Server.Addr.
func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger, ln net.Listener) error {
	store, err := docstore.Open(cfg.Server.DocstoreDSN)
	if err != nil {
		return fmt.Errorf("open docstore: %w", err)
	}
	defer store.Close()

	if ln == nil {
		ln, err = net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return err
		}
	}

	// Streams are hijacked and outlive Shutdown; cancelling the base context
	// ends them.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	srv := &http.Server{
		Handler:           newHandler(cfg.Server, store, logger),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("docstore", dsnScheme(cfg.Server.DocstoreDSN)).
		Msg("numberguardd listening")

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	cancelStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// dsnScheme keeps credentials out of the logs.
func dsnScheme(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "unknown"
	}
	return u.Scheme
}
