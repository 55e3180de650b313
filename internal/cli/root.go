package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"remindsync/internal/app"
	"remindsync/internal/config"
	"remindsync/internal/domain"
	"remindsync/internal/logging"
	"remindsync/internal/models"
	"remindsync/internal/reconcile"
)

// Engine is the slice of the reconciliation engine the CLI drives.
type Engine interface {
	SyncRecord(ctx context.Context, recordID string, opts reconcile.SyncOptions) (*reconcile.Result, error)
	PurgeRecord(ctx context.Context, recordID string) (*reconcile.Result, error)
	Reindex(ctx context.Context, recordID string) (models.EventMap, error)
	Preview(ctx context.Context, recordID string) (*models.SyncRecord, []models.EventDescriptor, error)
	StartBulk(ctx context.Context, recordIDs []string, force bool) (*models.BulkSyncJob, error)
	RunBulk(ctx context.Context, recordIDs []string, force bool) (*reconcile.BulkResult, error)
	SyncOrganization(ctx context.Context, orgID string, force bool) (*models.BulkSyncJob, error)
	Sweep(ctx context.Context) (*reconcile.BulkResult, error)
}

type Records interface {
	ListRecordIDsByOrg(ctx context.Context, orgID string) ([]string, error)
	ListRecordsByStatus(ctx context.Context, states []models.SyncState) ([]*models.SyncRecord, error)
	DeleteRecord(ctx context.Context, id string) error
}

// Env is what a command needs from an opened service.
type Env struct {
	Engine   Engine
	Records  Records
	Jobs     domain.BulkJobRepository
	Location *time.Location
	Close    func() error
}

// Opener builds an Env for the given config path.
type Opener func(ctx context.Context, configPath string) (*Env, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool

	open Opener
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the operator CLI. A nil opener loads the service
// from the config file.
func NewRootCommand(open Opener) *cobra.Command {
	if open == nil {
		open = OpenApp
	}
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate the birthday calendar sync",
		Long: `syncctl runs calendar reconciliation by hand: sync or purge single records,
start bulk jobs, trigger the retry sweep, rebuild event maps and preview events.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/config.yaml"
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfig, "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newPurgeCommand(opts))
	cmd.AddCommand(newReindexCommand(opts))
	cmd.AddCommand(newBulkCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newJobCommand(opts))
	cmd.AddCommand(newPreviewCommand(opts))
	cmd.AddCommand(newReportCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withEnv opens the service for the duration of fn.
func (o *RootOptions) withEnv(cmd *cobra.Command, fn func(ctx context.Context, env *Env, out *OutputFormatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := o.open(ctx, o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open service", err)
	}
	if env.Close != nil {
		defer func() { _ = env.Close() }()
	}
	out := &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: o.Verbose}
	return fn(ctx, env, out)
}

// OpenApp loads config, logging and the full service graph.
func OpenApp(ctx context.Context, configPath string) (*Env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	cliLogger := logger.With().Str("component", "syncctl").Logger()

	a, err := app.New(ctx, cfg, &cliLogger)
	if err != nil {
		closeQuietly(logCloser)
		return nil, err
	}
	return &Env{
		Engine:   a.Engine,
		Records:  a.DB,
		Jobs:     a.Jobs,
		Location: cfg.Location(),
		Close: func() error {
			err := a.Close()
			closeQuietly(logCloser)
			return err
		},
	}, nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
