package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/convo/internal/app"
	"github.com/roach88/convo/internal/config"
	"github.com/roach88/convo/internal/logging"
	"github.com/roach88/convo/internal/metrics"
	"github.com/roach88/convo/internal/provider"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	DataDir   string
	Config    string
	LogLevel  string
	LogFormat string

	// Getenv reads the environment; nil means os.Getenv.
	Getenv func(string) string

	// extra options applied when opening the workspace; tests use it to
	// pin clocks, IDs and providers.
	extra []app.Option

	cfg    *config.Config
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the convo CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convo",
		Short: "convo - local-first conversation store",
		Long: `A local-first store for branching chat conversations.

Threads live in a data directory as an index document plus one
append-only event log per thread. Replies stream from OpenAI, Anthropic
or the offline echo provider.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.DataDir, "data-dir", "d", "", "data directory (default $CONVO_DATA_DIR or ~/.convo)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "config file (default <data-dir>/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json)")

	cmd.AddCommand(NewThreadCommand(opts))
	cmd.AddCommand(NewMessageCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewSelectCommand(opts))
	cmd.AddCommand(NewChatCommand(opts))
	cmd.AddCommand(NewRegenerateCommand(opts))
	cmd.AddCommand(NewModelCommand(opts))
	cmd.AddCommand(NewProviderCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRepairCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// load resolves configuration and the logger once per invocation. Flags
// win over the environment, which wins over the config file.
func (o *RootOptions) load(cmd *cobra.Command) error {
	if o.cfg != nil {
		return nil
	}

	env := o.Getenv
	if env == nil {
		env = os.Getenv
	}
	flags := map[string]string{
		config.EnvDataDir:   o.DataDir,
		config.EnvLogLevel:  o.LogLevel,
		config.EnvLogFormat: o.LogFormat,
	}
	if o.Verbose && o.LogLevel == "" {
		flags[config.EnvLogLevel] = "debug"
	}
	getenv := func(key string) string {
		if v := flags[key]; v != "" {
			return v
		}
		return env(key)
	}

	cfg, err := config.Load(o.Config, getenv)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	o.cfg = cfg
	o.logger = logger
	return nil
}

// openWorkspace opens the configured data directory. Callers must Close it.
func (o *RootOptions) openWorkspace(ctx context.Context, cmd *cobra.Command, m *metrics.Metrics) (*app.Workspace, error) {
	if err := o.load(cmd); err != nil {
		return nil, err
	}

	opts := []app.Option{
		app.WithLogger(o.logger),
		app.WithMetrics(m),
		app.WithAPIKeys(map[provider.Type]string{
			provider.TypeOpenAI:    o.cfg.OpenAIAPIKey,
			provider.TypeAnthropic: o.cfg.AnthropicAPIKey,
		}),
	}
	if o.cfg.DefaultModel != "" {
		opts = append(opts, app.WithDefaultModel(o.cfg.DefaultModel))
	}
	opts = append(opts, o.extra...)

	ws, err := app.Open(ctx, o.cfg.DataDir, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open data directory", err)
	}
	return ws, nil
}

// output returns a formatter bound to the command's writers.
func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// withWorkspace runs fn against an open workspace and closes it after.
func (o *RootOptions) withWorkspace(cmd *cobra.Command, fn func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ws, err := o.openWorkspace(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws, o.output(cmd))
}
