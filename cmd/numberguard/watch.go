package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/numberguard/internal/connectivity"
	"github.com/agentworkforce/numberguard/internal/contacts"
)

func (a *app) watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the local cache in sync until interrupted",
		Long: "Subscribe to remote changes, probe connectivity, drain the queue whenever " +
			"the remote comes back and whenever `numberguard signal` is run.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, cmd.OutOrStdout())
		},
	}
}

func (a *app) watch(ctx context.Context, out io.Writer) error {
	type counts struct{ total, unsynced int }
	var mu sync.Mutex
	last := counts{-1, -1}
	s, err := a.openSession(ctx, sessionOptions{
		retry: true,
		onChange: func(records []contacts.Record) {
			unsynced := 0
			for _, r := range records {
				if !r.Synced {
					unsynced++
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if now := (counts{len(records), unsynced}); now != last {
				last = now
				fmt.Fprintf(out, "%d contact(s), %d unsynced\n", len(records), unsynced)
			}
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	trigger, err := connectivity.NewTriggerWatcher(s.cfg.Trigger.File, s.monitor, s.log)
	if err != nil {
		return err
	}
	if err := trigger.Start(); err != nil {
		return err
	}
	defer trigger.Close()

	if err := s.engine.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if s.prober != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.prober.Run(ctx)
		}()
	}

	s.log.Info().Str("user", s.cfg.User).Str("trigger", s.cfg.Trigger.File).Msg("watching")
	<-ctx.Done()
	wg.Wait()
	s.log.Info().Msg("watch stopped")
	return nil
}
