package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dataswift/hatsync/adapters"
	"github.com/dataswift/hatsync/engine"
	"github.com/dataswift/hatsync/internal/app"
	"github.com/dataswift/hatsync/internal/config"
	"github.com/dataswift/hatsync/queue"
	"github.com/dataswift/hatsync/reconcile"
)

var version = "0.1.0"

// opener builds the app a command works against. The CLI never replays in
// the background: a command either syncs explicitly or leaves the queue.
type opener func(ctx context.Context) (*app.App, error)

func openFromEnv(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := app.NewLogger(os.Stderr, cfg.LogLevel)
	return app.Open(ctx, cfg, logger, engine.WithTrigger(engine.Manual))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openFromEnv).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:     "hatsync",
		Short:   "Offline cache and write queue for a HAT",
		Version: version,
		Long: `hatsync keeps a local copy of HAT data and queues writes made while
offline. Queued writes are replayed in order once the HAT is reachable.

Configuration is read from the environment:
  HAT_DOMAIN           Your HAT domain (required)
  HAT_TOKEN            Access token, stored in the token file on first use
  HATSYNC_DB_DRIVER    sqlite3 (default) or pgx
  HATSYNC_DATABASE_URL Database path or connection string`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(statusCmd(open))
	root.AddCommand(syncCmd(open))
	root.AddCommand(queueCmd(open))
	root.AddCommand(deadCmd(open))
	root.AddCommand(cacheCmd(open))
	root.AddCommand(notesCmd(open))
	return root
}

// withApp opens the app for the duration of fn
func withApp(cmd *cobra.Command, open opener, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, a), a.Close())
}

func statusCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show reachability and queue depth per resource type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				w := cmd.OutOrStdout()
				if a.Gate.Online(ctx) {
					fmt.Fprintf(w, "HAT: %s\n", color.GreenString("online"))
				} else {
					fmt.Fprintf(w, "HAT: %s\n", color.YellowString("offline"))
				}

				counts, err := a.Engine.Queue().Counts(ctx)
				if err != nil {
					return err
				}
				dead, err := a.Engine.Queue().DeadLetters(ctx, "")
				if err != nil {
					return err
				}
				deadBy := map[string]int{}
				for _, d := range dead {
					deadBy[d.ResourceType]++
				}

				fmt.Fprintln(w)
				for _, typ := range a.Engine.Registry().List() {
					line := fmt.Sprintf("  %-20s %d queued", typ, counts[typ])
					if n := deadBy[typ]; n > 0 {
						line += color.RedString(", %d dead", n)
					}
					fmt.Fprintln(w, line)
				}
				return nil
			})
		},
	}
}

func syncCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [type]",
		Short: "Replay queued writes now",
		Long:  "Replay queued writes for one resource type, or for every type when none is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				w := cmd.OutOrStdout()
				if len(args) == 1 {
					res, err := a.Engine.Reconcile(ctx, args[0])
					if err != nil {
						return err
					}
					printResult(w, res)
					return nil
				}

				results, err := a.Engine.ReconcileAll(ctx)
				if err != nil {
					return err
				}
				types := make([]string, 0, len(results))
				for typ := range results {
					types = append(types, typ)
				}
				sort.Strings(types)
				for _, typ := range types {
					printResult(w, results[typ])
				}
				return nil
			})
		},
	}
}

func printResult(w io.Writer, res reconcile.Result) {
	status := color.GreenString("done")
	if res.Stopped != nil {
		status = color.YellowString("stopped: %v", res.Stopped)
	}
	fmt.Fprintf(w, "%-20s applied %d, dropped %d, dead %d, remaining %d (%s)\n",
		res.ResourceType, res.Applied, res.Dropped, res.DeadLettered, res.Remaining, status)
}

func queueCmd(open opener) *cobra.Command {
	var discard bool

	cmd := &cobra.Command{
		Use:   "queue <type>",
		Short: "List queued writes for a resource type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				w := cmd.OutOrStdout()
				typ := args[0]
				if _, ok := a.Engine.Registry().Get(typ); !ok {
					return fmt.Errorf("%w: %s", reconcile.ErrUnknownType, typ)
				}
				if discard {
					n, err := a.Engine.Queue().Clear(ctx, typ)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "Discarded %d queued writes for %s\n", n, typ)
					return nil
				}

				pending, err := a.Engine.Queue().Pending(ctx, typ)
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Fprintf(w, "No queued writes for %s\n", typ)
					return nil
				}
				for _, m := range pending {
					printMutation(w, m)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&discard, "clear", false, "Discard every queued write for the type")
	return cmd
}

func printMutation(w io.Writer, m *queue.Mutation) {
	target := m.LocalRef
	if m.RemoteID != "" {
		target += " -> " + m.RemoteID
	}
	fmt.Fprintf(w, "%s  %-6s %s  %s", color.CyanString(m.ID), m.Kind, target, m.EnqueuedAt.Format(time.RFC3339))
	if m.Attempts > 0 {
		fmt.Fprintf(w, "  attempts=%d", m.Attempts)
	}
	if m.LastError != "" {
		fmt.Fprintf(w, "  %s", color.RedString("%s", m.LastError))
	}
	fmt.Fprintln(w)
}

func deadCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead [type]",
		Short: "List writes the HAT rejected",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				w := cmd.OutOrStdout()
				typ := ""
				if len(args) == 1 {
					typ = args[0]
				}
				dead, err := a.Engine.Queue().DeadLetters(ctx, typ)
				if err != nil {
					return err
				}
				if len(dead) == 0 {
					fmt.Fprintln(w, "No dead letters")
					return nil
				}
				for _, d := range dead {
					fmt.Fprintf(w, "[%s] failed %s\n  ", d.ResourceType, d.FailedAt.Format(time.RFC3339))
					printMutation(w, d.Mutation)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a dead letter back onto the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.Queue().Requeue(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s for %s\n", m.ID, m.ResourceType)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear [type]",
		Short: "Discard dead letters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				typ := ""
				if len(args) == 1 {
					typ = args[0]
				}
				n, err := a.Engine.Queue().ClearDeadLetters(ctx, typ)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Discarded %d dead letters\n", n)
				return nil
			})
		},
	})
	return cmd
}

func cacheCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache [prefix]",
		Short: "List cached entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				w := cmd.OutOrStdout()
				prefix := ""
				if len(args) == 1 {
					prefix = args[0]
				}
				entries, err := a.Engine.Entries(ctx, prefix)
				if err != nil {
					return err
				}
				now := a.Engine.Store().Now()
				for _, e := range entries {
					state := color.GreenString("fresh")
					switch {
					case e.TTL <= 0:
						state = "pinned"
					case e.Expired(now):
						state = color.YellowString("stale")
					}
					fmt.Fprintf(w, "%-50s %6d bytes  %s  %s\n", e.Key, len(e.Body), e.FetchedAt.Format(time.RFC3339), state)
				}
				fmt.Fprintf(w, "%d entries\n", len(entries))
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate <type> [key=value...]",
		Short: "Drop the cached list for a type and parameters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Invalidate(ctx, args[0], params); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func parseParams(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", arg)
		}
		params[k] = v
	}
	return params, nil
}

func notesCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Read and write notes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List notes, from the cache when offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				w := cmd.OutOrStdout()
				recs, source, err := a.Engine.Read(ctx, adapters.NotesType, nil)
				if err != nil {
					return err
				}
				for _, rec := range recs {
					note, err := adapters.DecodeNote(rec.Data)
					if err != nil {
						return fmt.Errorf("note %s: %w", rec.LocalRef, err)
					}
					marker := ""
					if rec.RemoteID == "" {
						marker = color.YellowString(" (pending)")
					}
					fmt.Fprintf(w, "%s  %s%s\n", color.CyanString(rec.LocalRef), note.Message, marker)
				}
				fmt.Fprintf(w, "%d notes from %s\n", len(recs), source)
				return nil
			})
		},
	})

	var photo string
	add := &cobra.Command{
		Use:   "add <message>",
		Short: "Write a note, queued until the HAT is reachable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.Marshal(adapters.Note{Message: strings.Join(args, " "), Kind: "note"})
			if err != nil {
				return err
			}
			var opts []engine.WriteOption
			if photo != "" {
				b, err := os.ReadFile(photo)
				if err != nil {
					return fmt.Errorf("read photo: %w", err)
				}
				opts = append(opts, engine.WithAttachment(photo, b, adapters.NotePhotoTags...))
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Create(ctx, adapters.NotesType, data, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued note %s\n", color.CyanString(rec.LocalRef))
				return nil
			})
		},
	}
	add.Flags().StringVar(&photo, "photo", "", "Attach an image file to the note")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <localRef>",
		Short: "Delete a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Delete(ctx, adapters.NotesType, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted note %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}
