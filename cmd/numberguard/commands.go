package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/numberguard/internal/backup"
	"github.com/agentworkforce/numberguard/internal/config"
	"github.com/agentworkforce/numberguard/internal/connectivity"
	"github.com/agentworkforce/numberguard/internal/contacts"
	"github.com/agentworkforce/numberguard/internal/httpapi"
	"github.com/agentworkforce/numberguard/internal/localstore"
	"github.com/agentworkforce/numberguard/internal/syncengine"
)

const snapshotTimeout = 10 * time.Second

func (a *app) addCommand() *cobra.Command {
	var draft contacts.Draft
	var story string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a contact",
		Long:  "Add a contact. With --story, missing name, number and tags are taken from the story text.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if story != "" {
				draft = mergeStory(draft, story)
			}
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.engine.AddRecord(cmd.Context(), draft)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "added", res)
			return nil
		},
	}
	cmd.Flags().StringVar(&draft.Name, "name", "", "contact name")
	cmd.Flags().StringVar(&draft.Number, "number", "", "phone number")
	cmd.Flags().StringVar(&draft.Note, "note", "", "free-text note")
	cmd.Flags().StringSliceVar(&draft.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&story, "story", "", "describe how you met; fills in missing fields")
	return cmd
}

// mergeStory fills the fields the user left empty from the story.
func mergeStory(d contacts.Draft, story string) contacts.Draft {
	extracted := contacts.ExtractFromStory(story)
	if d.Name == "" {
		d.Name = extracted.Name
	}
	if d.Number == "" {
		d.Number = extracted.Number
	}
	if d.Note == "" {
		d.Note = extracted.Note
	}
	if len(d.Tags) == 0 {
		d.Tags = extracted.Tags
	}
	return d
}

func (a *app) updateCommand() *cobra.Command {
	var name, number, note string
	var tags []string
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change fields of a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p contacts.Patch
			flags := cmd.Flags()
			if flags.Changed("name") {
				p.Name = &name
			}
			if flags.Changed("number") {
				p.Number = &number
			}
			if flags.Changed("note") {
				p.Note = &note
			}
			if flags.Changed("tag") {
				p.Tags = &tags
			}
			if p.IsZero() {
				return fmt.Errorf("nothing to update: pass --name, --number, --note or --tag")
			}
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.engine.UpdateRecord(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "updated", res)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "contact name")
	cmd.Flags().StringVar(&number, "number", "", "phone number")
	cmd.Flags().StringVar(&note, "note", "", "free-text note")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags, replacing the current ones")
	return cmd
}

func (a *app) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.engine.DeleteRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "deleted", res)
			return nil
		},
	}
}

func printResult(w io.Writer, verb string, res syncengine.Result) {
	fmt.Fprintf(w, "%s %s (%s)\n", verb, res.ID, res.Status)
	if res.RemoteErr != nil {
		fmt.Fprintf(w, "  remote: %v\n", res.RemoteErr)
	}
	if res.StorageErr != nil {
		fmt.Fprintf(w, "  storage: %v\n", res.StorageErr)
	}
}

func (a *app) listCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contacts from the local cache, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()
			return printRecords(cmd.OutOrStdout(), s.engine.Records(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) searchCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "search TERM",
		Short: "Search contacts in English, Banglish or Bangla",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()
			return printRecords(cmd.OutOrStdout(), s.engine.Search(strings.Join(args, " ")), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printRecords(w io.Writer, records []contacts.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no contacts")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tNUMBER\tTAGS\tSYNCED")
	for _, r := range records {
		synced := "yes"
		if !r.Synced {
			synced = "no"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Number, strings.Join(r.Tags, ","), synced)
	}
	return tw.Flush()
}

func (a *app) syncCommand() *cobra.Command {
	var noPull bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued changes, then refresh from the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()
			out := cmd.OutOrStdout()
			if !s.monitor.Online() {
				st := s.engine.Status()
				fmt.Fprintf(out, "offline: %d queued change(s) kept for later\n", st.Queued)
				return nil
			}
			report := s.engine.DrainQueue(cmd.Context())
			fmt.Fprintf(out, "pushed %d, failed %d, dropped %d, purged %d\n", report.Succeeded, report.Failed, report.Dropped, report.Purged)
			for _, r := range report.Results {
				if r.Err != nil {
					fmt.Fprintf(out, "  %s %s %s: %v\n", r.OperationID, r.Kind, r.TargetID, r.Err)
				}
			}
			if report.StorageErr != nil {
				fmt.Fprintf(out, "  storage: %v\n", report.StorageErr)
			}
			if noPull {
				return nil
			}
			records, err := fetchSnapshot(cmd.Context(), s.gw, s.cfg.User, snapshotTimeout)
			if err != nil {
				return fmt.Errorf("refresh from remote: %w", err)
			}
			if err := s.engine.MergeRemoteSnapshot(records); err != nil {
				fmt.Fprintf(out, "  storage: %v\n", err)
			}
			fmt.Fprintf(out, "%d contact(s) after refresh\n", len(s.engine.Records()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&noPull, "no-pull", false, "only push queued changes")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and error state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()
			st := s.engine.Status()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user:     %s\n", st.UserID)
			fmt.Fprintf(out, "online:   %t\n", st.Online)
			fmt.Fprintf(out, "contacts: %d (%d unsynced)\n", st.Records, st.Unsynced)
			fmt.Fprintf(out, "queued:   %d\n", st.Queued)
			if !st.OldestQueued.IsZero() {
				fmt.Fprintf(out, "oldest:   %s\n", st.OldestQueued.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "errors:   %d\n", len(st.Errors))
			return nil
		},
	}
}

func (a *app) errorsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List recent sync errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()
			errs := s.engine.Errors()
			out := cmd.OutOrStdout()
			if len(errs) == 0 {
				fmt.Fprintln(out, "no sync errors")
				return nil
			}
			for _, e := range errs {
				fmt.Fprintf(out, "%s  %s  %s\n", e.Timestamp.Format(time.RFC3339), e.OperationID, e.Message)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget all recorded sync errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.engine.ClearErrors(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sync errors cleared")
			return nil
		},
	})
	return cmd
}

func (a *app) exportCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup of all contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()
			data, err := backup.Marshal(s.engine.Export())
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write backup: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	return cmd
}

func (a *app) importCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import contacts from a backup, skipping duplicates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read backup: %w", err)
			}
			doc, err := backup.Parse(data)
			if err != nil {
				return err
			}
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()
			report, err := s.engine.Import(cmd.Context(), doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d duplicate(s)", report.Imported, report.Duplicates)
			if report.Blank > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), " and %d blank entr(ies)", report.Blank)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}

func (a *app) storageCommand() *cobra.Command {
	var clearAll bool
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Show local storage usage, or clear all local data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger, closer, err := config.NewLogger(cfg.Log, a.stderr)
			if err != nil {
				return err
			}
			defer closer.Close()
			store, err := openStore(cfg, logger, a.now)
			if err != nil {
				return err
			}
			defer store.Close()
			out := cmd.OutOrStdout()
			if clearAll {
				n, err := store.ClearAll()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %d key(s)\n", n)
				return nil
			}
			return printUsage(out, store)
		},
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "delete every numberguard key for every user")
	return cmd
}

func printUsage(w io.Writer, store *localstore.Store) error {
	usage, err := store.Usage()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range usage.Keys {
		fmt.Fprintf(tw, "%s\t%d\n", k.Key, k.Bytes)
	}
	fmt.Fprintf(tw, "total\t%d\n", usage.TotalBytes)
	return tw.Flush()
}

func (a *app) signalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signal",
		Short: "Ask a running watch session to sync now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := connectivity.Touch(cfg.Trigger.File, a.now()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sync requested via %s\n", cfg.Trigger.File)
			return nil
		},
	}
}

func (a *app) tokenCommand() *cobra.Command {
	var secret string
	var ttl time.Duration
	var scopes []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the configured user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.User == "" {
				return fmt.Errorf("user is required (--user or NUMBERGUARD_USER)")
			}
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			token, err := httpapi.MintToken(secret, cfg.User, scopes, ttl, a.now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default server.jwt_secret)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes (default contacts:read, contacts:write)")
	return cmd
}
