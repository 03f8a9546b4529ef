package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Sternrassler/cs-bulk-publish/pkg/config"
	"github.com/Sternrassler/cs-bulk-publish/pkg/engine"
	"github.com/Sternrassler/cs-bulk-publish/pkg/logging"
	"github.com/Sternrassler/cs-bulk-publish/pkg/metrics"
	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every command. Flags that were set
// override the config file and the environment.
type rootOptions struct {
	configFile  string
	bulk        bool
	logLevel    string
	logPretty   bool
	metricsAddr string
	logsDir     string
	archive     string
	concurrency int

	contentTypes  []string
	locales       []string
	environments  []string
	targetLocales []string
	folder        string
	skipPublished bool

	sourceEnvironment string
	unpublishKind     string

	logPath string
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "bulk-publish",
		Short: "Publish and unpublish stack entries and assets in bulk",
		Long: `bulk-publish sweeps a content stack and publishes or unpublishes its
entries and assets across environments and locales. Every entity's outcome is
written to a .success or .error log; "retry --log" resubmits a log's entities.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file path (YAML)")
	flags.BoolVar(&opts.bulk, "bulk", false, "use the bulk endpoints (up to 10 entities per call)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.logPretty, "log-pretty", false, "human-readable console logs")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.logsDir, "logs-dir", "", "directory for the outcome logs")
	flags.StringVar(&opts.archive, "archive", "", "bucket URL the outcome logs are uploaded to (file://, s3://)")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "work items processed at once")

	cmd.AddCommand(
		newPublishCmd(out, opts, work.KindEntry),
		newPublishCmd(out, opts, work.KindAsset),
		newUnpublishCmd(out, opts),
		newRetryCmd(out, opts),
	)
	return cmd
}

func addTargetFlags(cmd *cobra.Command, opts *rootOptions) {
	cmd.Flags().StringSliceVarP(&opts.locales, "locale", "l", nil, "source locales, one sweep each")
	cmd.Flags().StringSliceVarP(&opts.environments, "environment", "e", nil, "target environments")
	cmd.Flags().StringSliceVar(&opts.targetLocales, "target-locale", nil, "target locales (default: the source locale)")
}

func newPublishCmd(out io.Writer, opts *rootOptions, kind work.Kind) *cobra.Command {
	use, short := "publish-entries", "Publish the entries of one or more content types"
	if kind == work.KindAsset {
		use, short = "publish-assets", "Publish the assets of a folder tree"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			op := work.OperationFor(work.ActionPublish, kind, modeFor(cfg.Publish.Bulk))
			return run(cmd.Context(), out, cfg, func(ctx context.Context, e *engine.Engine) (engine.Result, error) {
				return e.Run(ctx, op)
			})
		},
	}

	addTargetFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.skipPublished, "skip-published", false, "skip entities already published at their current version")
	if kind == work.KindEntry {
		cmd.Flags().StringSliceVarP(&opts.contentTypes, "content-type", "t", nil, "content types to publish (default: all)")
	} else {
		cmd.Flags().StringVar(&opts.folder, "folder", "", "asset folder uid to start from (default: root)")
	}
	return cmd
}

func newUnpublishCmd(out io.Writer, opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unpublish",
		Short: "Unpublish everything published to an environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			op := work.OperationFor(work.ActionUnpublish, "", modeFor(cfg.Publish.Bulk))
			return run(cmd.Context(), out, cfg, func(ctx context.Context, e *engine.Engine) (engine.Result, error) {
				return e.Run(ctx, op)
			})
		},
	}

	addTargetFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.sourceEnvironment, "source-environment", "", "environment whose published content is unpublished")
	cmd.Flags().StringVar(&opts.unpublishKind, "kind", "", "restrict to entry or asset (default: both)")
	cmd.Flags().StringSliceVarP(&opts.contentTypes, "content-type", "t", nil, "restrict entries to one content type")
	return cmd
}

func newRetryCmd(out io.Writer, opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Resubmit the entities recorded in an outcome log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), out, cfg, func(ctx context.Context, e *engine.Engine) (engine.Result, error) {
				return e.Retry(ctx, opts.logPath)
			})
		},
	}

	cmd.Flags().StringVar(&opts.logPath, "log", "", "path to a .error or .success log")
	_ = cmd.MarkFlagRequired("log")
	return cmd
}

func modeFor(bulk bool) work.Mode {
	if bulk {
		return work.ModeBulk
	}
	return work.ModeSingle
}

// load reads the config file and environment, then applies the flags set on cmd.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return config.Config{}, err
	}

	changed := cmd.Flags().Changed
	if changed("bulk") {
		cfg.Publish.Bulk = o.bulk
	}
	if changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if changed("log-pretty") {
		cfg.Logging.Pretty = o.logPretty
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if changed("logs-dir") {
		cfg.Logs.Dir = o.logsDir
	}
	if changed("archive") {
		cfg.Logs.Archive = o.archive
	}
	if changed("concurrency") {
		cfg.Dispatch.Concurrency = o.concurrency
	}
	if changed("locale") {
		cfg.Publish.Locales = o.locales
	}
	if changed("environment") {
		cfg.Publish.Environments = o.environments
	}
	if changed("target-locale") {
		cfg.Publish.TargetLocales = o.targetLocales
	}
	if changed("skip-published") {
		cfg.Publish.SkipPublished = o.skipPublished
	}
	if changed("folder") {
		cfg.Publish.Folder = o.folder
	}
	if changed("content-type") {
		if cmd.Name() == "unpublish" {
			if len(o.contentTypes) > 1 {
				return config.Config{}, fmt.Errorf("unpublish takes at most one content type")
			}
			if len(o.contentTypes) == 1 {
				cfg.Unpublish.ContentType = o.contentTypes[0]
			}
		} else {
			cfg.Publish.ContentTypes = o.contentTypes
		}
	}
	if changed("source-environment") {
		cfg.Unpublish.Environment = o.sourceEnvironment
	}
	if changed("kind") {
		cfg.Unpublish.Kind = o.unpublishKind
	}

	if cfg.Logging.Level != "" && !logging.ValidLevel(cfg.Logging.Level) {
		return config.Config{}, fmt.Errorf("unknown log level %q", cfg.Logging.Level)
	}
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, nil
}

// run builds the engine, optionally serves metrics, runs fn and prints the
// report line.
func run(ctx context.Context, out io.Writer, cfg config.Config,
	fn func(ctx context.Context, e *engine.Engine) (engine.Result, error),
) error {
	e, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	if cfg.Metrics.Addr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics server failed")
			}
		}()
	}

	res, err := fn(ctx, e)
	if res.Operation != "" {
		fmt.Fprintln(out, res.Line())
		for _, key := range res.Archived {
			fmt.Fprintf(out, "archived: %s\n", key)
		}
	}
	return err
}
