package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"remindsync/internal/ics"
	"remindsync/internal/models"
	"remindsync/internal/report"
)

type previewOptions struct {
	*RootOptions
	Output string
}

func newPreviewCommand(root *RootOptions) *cobra.Command {
	opts := &previewOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "preview <record-id>",
		Short: "Write the events a sync would aim for as iCalendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *Env, _ *OutputFormatter) error {
				rec, desired, err := env.Engine.Preview(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "preview "+args[0], err)
				}
				w := cmd.OutOrStdout()
				if opts.Output != "" && opts.Output != "-" {
					f, err := os.Create(opts.Output)
					if err != nil {
						return WrapExitError(ExitCommandError, "create output", err)
					}
					defer f.Close()
					w = f
				}
				return ics.Export(w, rec, desired, time.Now())
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "-", "output file, - for stdout")
	return cmd
}

type reportOptions struct {
	*RootOptions
	Dir    string
	Status []string
}

func newReportCommand(root *RootOptions) *cobra.Command {
	opts := &reportOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export the sync status of all records to an xlsx workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			states, err := parseStates(opts.Status)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --status", err)
			}
			return opts.withEnv(cmd, func(ctx context.Context, env *Env, out *OutputFormatter) error {
				now := time.Now()
				if env.Location != nil {
					now = now.In(env.Location)
				}
				path, err := report.SaveSyncStatus(ctx, opts.Dir, env.Records, states, now)
				if err != nil {
					return WrapExitError(ExitCommandError, "write report", err)
				}
				return out.Success(map[string]string{"path": path}, func(w io.Writer) {
					fmt.Fprintln(w, path)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Dir, "dir", "d", "exports", "directory for the workbook")
	cmd.Flags().StringSliceVar(&opts.Status, "status", nil, "only include these statuses (SYNCED, PARTIAL_SYNC, ERROR)")
	return cmd
}

func parseStates(raw []string) ([]models.SyncState, error) {
	var out []models.SyncState
	for _, r := range raw {
		st := models.SyncState(strings.ToUpper(strings.TrimSpace(r)))
		switch st {
		case models.StatusSynced, models.StatusPartialSync, models.StatusError:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("unknown status %q", r)
		}
	}
	return out, nil
}
