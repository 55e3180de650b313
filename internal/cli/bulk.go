package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"remindsync/internal/models"
	"remindsync/internal/reconcile"
)

type bulkOptions struct {
	*RootOptions
	OrgID  string
	Force  bool
	Inline bool
}

func newBulkCommand(root *RootOptions) *cobra.Command {
	opts := &bulkOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "bulk [record-id...]",
		Short: "Start a bulk sync job",
		Long: `Bulk queues chunked sync tasks for the given records, or for every record of
an organization with --org, and prints the job to poll with "syncctl job".

With --inline the records are synced in this process instead of the queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (opts.OrgID == "") {
				return NewExitError(ExitCommandError, "pass record ids or --org, not both")
			}
			return opts.withEnv(cmd, func(ctx context.Context, env *Env, out *OutputFormatter) error {
				return runBulk(ctx, env, out, opts, args)
			})
		},
	}
	cmd.Flags().StringVar(&opts.OrgID, "org", "", "sync every record of this organization")
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "bypass the unchanged-data skip")
	cmd.Flags().BoolVar(&opts.Inline, "inline", false, "run in this process instead of queueing")
	return cmd
}

func runBulk(ctx context.Context, env *Env, out *OutputFormatter, opts *bulkOptions, ids []string) error {
	if opts.Inline {
		if opts.OrgID != "" {
			var err error
			if ids, err = env.Records.ListRecordIDsByOrg(ctx, opts.OrgID); err != nil {
				return WrapExitError(ExitCommandError, "list records of "+opts.OrgID, err)
			}
		}
		res, err := env.Engine.RunBulk(ctx, ids, opts.Force)
		if err != nil {
			return WrapExitError(ExitCommandError, "bulk sync", err)
		}
		return reportBulk(out, res)
	}

	var (
		job *models.BulkSyncJob
		err error
	)
	if opts.OrgID != "" {
		job, err = env.Engine.SyncOrganization(ctx, opts.OrgID, opts.Force)
	} else {
		job, err = env.Engine.StartBulk(ctx, ids, opts.Force)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "start bulk job", err)
	}
	return out.Success(job, func(w io.Writer) { printJob(w, job) })
}

func newSweepCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Retry records left in PARTIAL_SYNC or ERROR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withEnv(cmd, func(ctx context.Context, env *Env, out *OutputFormatter) error {
				res, err := env.Engine.Sweep(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "sweep", err)
				}
				return reportBulk(out, res)
			})
		},
	}
}

func reportBulk(out *OutputFormatter, res *reconcile.BulkResult) error {
	type item struct {
		RecordID string `json:"recordId"`
		Failed   bool   `json:"failed"`
		Message  string `json:"message,omitempty"`
	}
	items := make([]item, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, item{RecordID: it.RecordID, Failed: it.Failed(), Message: it.Message()})
	}
	data := map[string]any{"jobId": res.JobID, "succeeded": res.Succeeded, "failed": res.Failed, "items": items}

	if err := out.Success(data, func(w io.Writer) {
		for _, it := range items {
			if it.Failed {
				fmt.Fprintf(w, "%s\tFAILED\t%s\n", it.RecordID, it.Message)
			} else {
				fmt.Fprintf(w, "%s\tok\n", it.RecordID)
			}
		}
		fmt.Fprintf(w, "%d succeeded, %d failed\n", res.Succeeded, res.Failed)
	}); err != nil {
		return err
	}
	if res.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d records failed", res.Failed))
	}
	return nil
}

func newJobCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show bulk job progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withEnv(cmd, func(ctx context.Context, env *Env, out *OutputFormatter) error {
				job, err := env.Jobs.Get(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "load job", err)
				}
				job.Normalize()
				return out.Success(job, func(w io.Writer) { printJob(w, job) })
			})
		},
	}
}

func printJob(w io.Writer, job *models.BulkSyncJob) {
	fmt.Fprintf(w, "job %s: %s, %d/%d processed\n", job.ID, job.Status, job.ProcessedItems, job.TotalItems)
	for _, e := range job.Errors {
		fmt.Fprintf(w, "\t%s\t%s\n", e.ItemID, e.Message)
	}
}
