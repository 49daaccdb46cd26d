package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/numberguard/internal/config"
	"github.com/agentworkforce/numberguard/internal/connectivity"
	"github.com/agentworkforce/numberguard/internal/contacts"
	"github.com/agentworkforce/numberguard/internal/gateway"
	"github.com/agentworkforce/numberguard/internal/localstore"
	"github.com/agentworkforce/numberguard/internal/syncengine"
)

func main() {
	if err := newApp().rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	v       *viper.Viper
	cfgFile string
	offline bool
	stderr  io.Writer
	now     func() time.Time
	// openGateway is swapped in tests.
	openGateway func(dsn, token string) (gateway.Gateway, error)
}

func newApp() *app {
	return &app{
		v:           config.New(),
		stderr:      os.Stderr,
		now:         time.Now,
		openGateway: gateway.Open,
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "numberguard",
		Short:         "Offline-first contact book synced with a document service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default $NUMBERGUARD_HOME/config.yaml)")
	flags.BoolVar(&a.offline, "offline", false, "treat the remote as unreachable")
	flags.String("user", "", "user id")
	flags.String("store", "", "local store DSN (file:///dir, sqlite:///file.db or memory://)")
	flags.String("remote", "", "remote DSN (http(s)://service, postgres://..., memory://)")
	flags.String("token", "", "bearer token for the document service")
	flags.String("log-level", "", "log level")
	flags.String("log-file", "", "write JSON logs to this file, rotated")
	flags.String("log-format", "", "console or json")
	for key, flag := range map[string]string{
		"user":         "user",
		"store.dsn":    "store",
		"remote.dsn":   "remote",
		"remote.token": "token",
		"log.level":    "log-level",
		"log.file":     "log-file",
		"log.format":   "log-format",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		a.addCommand(),
		a.updateCommand(),
		a.deleteCommand(),
		a.listCommand(),
		a.searchCommand(),
		a.syncCommand(),
		a.statusCommand(),
		a.errorsCommand(),
		a.exportCommand(),
		a.importCommand(),
		a.storageCommand(),
		a.watchCommand(),
		a.signalCommand(),
		a.tokenCommand(),
	)
	return root
}

func (a *app) loadConfig() (config.Config, error) {
	return config.Load(a.v, a.cfgFile)
}

type sessionOptions struct {
	retry    bool
	onChange func([]contacts.Record)
}

type session struct {
	cfg       config.Config
	log       zerolog.Logger
	logCloser io.Closer
	store     *localstore.Store
	gw        gateway.Gateway
	monitor   *connectivity.Monitor
	prober    *connectivity.Prober
	retry     *connectivity.RetryScheduler
	engine    *syncengine.Engine
}

// openSession wires the local store, the remote gateway and the sync engine
// for the configured user, and probes connectivity once.
func (a *app) openSession(ctx context.Context, opts sessionOptions) (*session, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, logCloser, err := config.NewLogger(cfg.Log, a.stderr)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, log: logger, logCloser: logCloser}

	store, err := openStore(cfg, logger, a.now)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = store

	gw, err := a.openGateway(cfg.Remote.DSN, cfg.Remote.Token)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open remote %q: %w", cfg.Remote.DSN, err)
	}
	s.gw = gw

	s.monitor = connectivity.NewMonitor(!a.offline)
	if !a.offline {
		if pinger := pingerFor(cfg, gw); pinger != nil {
			s.prober = connectivity.NewProber(pinger, s.monitor, connectivity.ProbeOptions{
				Interval: cfg.Probe.Interval,
				Jitter:   cfg.Probe.Jitter,
				Logger:   logger,
			})
			s.prober.ProbeOnce(ctx)
		}
	}
	if opts.retry {
		s.retry = connectivity.NewRetryScheduler(s.monitor, connectivity.RetryOptions{
			Jitter: cfg.Probe.Jitter,
			Logger: logger,
		})
	}

	engine, err := syncengine.New(syncengine.Options{
		UserID:     cfg.User,
		Store:      store,
		Gateway:    gw,
		Monitor:    s.monitor,
		Retry:      s.retry,
		Retention:  cfg.Retention,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
		Now:        a.now,
		OnChange:   opts.onChange,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.engine = engine
	return s, nil
}

func (s *session) Close() {
	if s.engine != nil {
		_ = s.engine.Close()
	}
	if s.retry != nil {
		s.retry.Stop()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	switch gw := s.gw.(type) {
	case io.Closer:
		_ = gw.Close()
	case *gateway.Direct:
		_ = gw.Store().Close()
	}
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
}

func openStore(cfg config.Config, logger zerolog.Logger, now func() time.Time) (*localstore.Store, error) {
	backend, err := localstore.BuildBackendFromDSN(cfg.Store.DSN, cfg.Store.QuotaBytes)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return localstore.NewStoreWithOptions(backend, localstore.Options{Now: now, Logger: logger}), nil
}

// pingerFor picks how connectivity is probed: the configured URL, else the
// remote itself when it can be pinged. Nil means always online.
func pingerFor(cfg config.Config, gw gateway.Gateway) connectivity.Pinger {
	if target := strings.TrimSpace(cfg.Probe.URL); target != "" {
		client := &http.Client{}
		return connectivity.PingFunc(func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("probe %s: status %d", target, resp.StatusCode)
			}
			return nil
		})
	}
	if pinger, ok := gw.(connectivity.Pinger); ok {
		return pinger
	}
	return nil
}

// fetchSnapshot waits for the first snapshot of a subscription.
func fetchSnapshot(ctx context.Context, gw gateway.Gateway, userID string, timeout time.Duration) ([]contacts.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snapshots := make(chan []contacts.Record, 1)
	failures := make(chan error, 1)
	unsubscribe, err := gw.Subscribe(ctx, userID, func(records []contacts.Record) {
		select {
		case snapshots <- records:
		default:
		}
	}, func(err error) {
		select {
		case failures <- err:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	select {
	case records := <-snapshots:
		return records, nil
	case err := <-failures:
		return nil, err
	case <-ctx.Done():
		return nil, errors.New("timed out waiting for a remote snapshot")
	}
}
