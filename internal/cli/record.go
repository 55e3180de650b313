package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"remindsync/internal/models"
	"remindsync/internal/reconcile"
)

type syncOptions struct {
	*RootOptions
	Force bool
}

func newSyncCommand(root *RootOptions) *cobra.Command {
	opts := &syncOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "sync <record-id>...",
		Short: "Reconcile records against their calendar now",
		Long: `Sync runs the full reconciliation for each record in this process.

Unchanged records are skipped unless --force is given. The exit code is 1 when
any record ends in PARTIAL_SYNC or ERROR.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *Env, out *OutputFormatter) error {
				return runSync(ctx, env, out, args, opts.Force)
			})
		},
	}
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "bypass the unchanged-data skip")
	return cmd
}

func runSync(ctx context.Context, env *Env, out *OutputFormatter, ids []string, force bool) error {
	results := make([]*reconcile.Result, 0, len(ids))
	failed := 0
	for _, id := range ids {
		out.VerboseLog("syncing %s", id)
		res, err := env.Engine.SyncRecord(ctx, id, reconcile.SyncOptions{Force: force})
		if err != nil {
			return WrapExitError(ExitCommandError, "sync "+id, err)
		}
		if res.Failed() {
			failed++
		}
		results = append(results, res)
	}

	if err := out.Success(results, func(w io.Writer) {
		for _, res := range results {
			printResult(w, res)
		}
	}); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d records did not sync cleanly", failed, len(results)))
	}
	return nil
}

func printResult(w io.Writer, res *reconcile.Result) {
	if res.Skipped {
		fmt.Fprintf(w, "%s\tskipped (unchanged)\n", res.RecordID)
		return
	}
	fmt.Fprintf(w, "%s\t%s\tcreated=%d updated=%d deleted=%d failed=%d\n",
		res.RecordID, res.Status, res.Stats.Created, res.Stats.Updated, res.Stats.Deleted, res.Stats.Failed)
	if msg := res.Message(); msg != "" {
		fmt.Fprintf(w, "\t%s\n", msg)
	}
}

type purgeOptions struct {
	*RootOptions
	Delete bool
}

func newPurgeCommand(root *RootOptions) *cobra.Command {
	opts := &purgeOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "purge <record-id>",
		Short: "Remove every calendar event of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *Env, out *OutputFormatter) error {
				return runPurge(ctx, env, out, args[0], opts.Delete)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Delete, "delete", false, "delete the record itself once its events are gone")
	return cmd
}

func runPurge(ctx context.Context, env *Env, out *OutputFormatter, id string, deleteRecord bool) error {
	res, err := env.Engine.PurgeRecord(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "purge "+id, err)
	}
	deleted := false
	if deleteRecord && res.Purged {
		if err := env.Records.DeleteRecord(ctx, id); err != nil {
			return WrapExitError(ExitCommandError, "delete "+id, err)
		}
		deleted = true
	}

	data := map[string]any{"result": res, "deleted": deleted}
	if err := out.Success(data, func(w io.Writer) {
		printResult(w, res)
		if deleted {
			fmt.Fprintf(w, "%s\trecord deleted\n", id)
		}
	}); err != nil {
		return err
	}
	if !res.Purged {
		return NewExitError(ExitFailure, "purge incomplete, events remain mapped")
	}
	return nil
}

func newReindexCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex <record-id>",
		Short: "Rebuild a record's event map from the calendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withEnv(cmd, func(ctx context.Context, env *Env, out *OutputFormatter) error {
				found, err := env.Engine.Reindex(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "reindex "+args[0], err)
				}
				return out.Success(found, func(w io.Writer) { printEventMap(w, found) })
			})
		},
	}
}

func printEventMap(w io.Writer, m models.EventMap) {
	keys := make([]string, 0, len(m))
	byName := make(map[string]string, len(m))
	for k, v := range m {
		keys = append(keys, k.String())
		byName[k.String()] = v
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, byName[k])
	}
	fmt.Fprintf(w, "%d events\n", len(keys))
}
