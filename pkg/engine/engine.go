// Package engine wires one bulk run: the outcome session, the dispatcher
// and the producers or the replay driver feeding it.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/cs-bulk-publish/pkg/client"
	"github.com/Sternrassler/cs-bulk-publish/pkg/config"
	"github.com/Sternrassler/cs-bulk-publish/pkg/dispatcher"
	"github.com/Sternrassler/cs-bulk-publish/pkg/logging"
	"github.com/Sternrassler/cs-bulk-publish/pkg/outcome"
	"github.com/Sternrassler/cs-bulk-publish/pkg/producer"
	"github.com/Sternrassler/cs-bulk-publish/pkg/ratelimit"
	"github.com/Sternrassler/cs-bulk-publish/pkg/replay"
	"github.com/Sternrassler/cs-bulk-publish/pkg/stack"
	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Engine runs bulk operations against one stack.
type Engine struct {
	cfg      config.Config
	api      *client.Client
	delivery *client.Client
	redis    *redis.Client
	handlers *stack.Handlers
	querier  *stack.Querier
	logger   zerolog.Logger
}

// New builds the clients described by cfg. A Redis URL enables the shared
// rate limit store; a delivery token enables the change feed.
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Dispatch.ParallelSweeps < 1 {
		cfg.Dispatch.ParallelSweeps = 1
	}

	e := &Engine{
		cfg:    cfg,
		logger: logging.NewLogger("engine"),
	}

	var store ratelimit.Store
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		e.redis = redis.NewClient(opts)
		store = ratelimit.NewRedisStore(e.redis, cfg.Stack.APIKey)
	}

	apiCfg := clientConfig(cfg, cfg.Stack.Host)
	apiCfg.ManagementToken = cfg.Stack.ManagementToken
	apiCfg.AuthToken = cfg.Stack.AuthToken
	apiCfg.RateLimitStore = store

	api, err := client.New(apiCfg)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("create management client: %w", err)
	}
	e.api = api
	e.handlers = stack.NewHandlers(api)
	e.querier = stack.NewQuerier(api)

	if cfg.Stack.DeliveryToken != "" && cfg.Stack.DeliveryHost != "" {
		deliveryCfg := clientConfig(cfg, cfg.Stack.DeliveryHost)
		deliveryCfg.DeliveryToken = cfg.Stack.DeliveryToken
		delivery, err := client.New(deliveryCfg)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("create delivery client: %w", err)
		}
		e.delivery = delivery
	}

	return e, nil
}

func clientConfig(cfg config.Config, host string) client.Config {
	c := client.DefaultConfig(host, cfg.Stack.APIKey, "")
	c.Branch = cfg.Stack.Branch
	c.RateLimit = cfg.Retry.RateLimit
	c.Timeout = cfg.Retry.Timeout
	c.Retry.MaxAttempts = cfg.Retry.MaxAttempts
	c.Retry.BaseDelay = cfg.Retry.BaseDelay
	return c
}

// Close releases the Redis connection, if any.
func (e *Engine) Close() error {
	if e.redis != nil {
		return e.redis.Close()
	}
	return nil
}

// Result summarises a finished run.
type Result struct {
	Operation work.Operation
	SessionID string
	Stats     dispatcher.Stats

	// Report names the log to look at; HasReport is false when nothing ran.
	Report    outcome.Report
	HasReport bool

	// Archived lists the blob keys the logs were uploaded to.
	Archived []string
}

// Line is the one-line summary printed at exit.
func (r Result) Line() string {
	if !r.HasReport {
		return fmt.Sprintf("%s: nothing to do", r.Operation)
	}
	return fmt.Sprintf("%s: %d succeeded, %d failed. See %s log: %s",
		r.Operation, r.Report.Success, r.Report.Errors, r.Report.Status, r.Report.Path)
}

// Run performs a fresh operation.
func (e *Engine) Run(ctx context.Context, op work.Operation) (Result, error) {
	if _, err := work.ParseOperation(string(op)); err != nil {
		return Result{}, err
	}

	switch op.Action() {
	case work.ActionPublish:
		if err := e.cfg.ValidatePublish(); err != nil {
			return Result{}, fmt.Errorf("invalid config: %w", err)
		}
	case work.ActionUnpublish:
		if err := e.cfg.ValidateUnpublish(); err != nil {
			return Result{}, fmt.Errorf("invalid config: %w", err)
		}
		if e.delivery == nil {
			return Result{}, fmt.Errorf("unpublish needs a delivery client")
		}
	}

	return e.session(ctx, op, op.Mode(), func(ctx context.Context, enqueue producer.Enqueuer) error {
		switch {
		case op.Action() == work.ActionUnpublish:
			return e.unpublish(ctx, op.Mode(), enqueue)
		case op.Kind() == work.KindAsset:
			return e.publishAssets(ctx, op.Mode(), enqueue)
		default:
			return e.publishEntries(ctx, op.Mode(), enqueue)
		}
	})
}

// Retry replays the records of a previous session's log. The new session
// carries the same operation name, so its own error log can be retried again.
func (e *Engine) Retry(ctx context.Context, path string) (Result, error) {
	op, mode, _, err := replay.Inspect(path)
	if err != nil {
		return Result{}, err
	}

	return e.session(ctx, op, mode, func(ctx context.Context, enqueue producer.Enqueuer) error {
		res, err := replay.Replay(ctx, path, replay.Enqueuer(enqueue))
		if err != nil {
			return err
		}
		if res.Malformed > 0 {
			e.logger.Warn().Int("malformed", res.Malformed).Str("log", path).Msg("Replay skipped malformed records")
		}
		return nil
	})
}

// session runs produce against a fresh session and dispatcher, then closes
// and optionally archives the logs.
func (e *Engine) session(ctx context.Context, op work.Operation, mode work.Mode,
	produce func(ctx context.Context, enqueue producer.Enqueuer) error,
) (Result, error) {
	sess, err := outcome.NewSession(e.cfg.Logs.Dir, string(op))
	if err != nil {
		return Result{}, err
	}

	d, err := dispatcher.New(e.handlers.For(op.Action(), mode), sess, dispatcher.Config{
		Name:        string(op),
		Concurrency: e.cfg.Dispatch.Concurrency,
	})
	if err != nil {
		sess.Close()
		return Result{}, err
	}

	logger := e.logger.With().Str("operation", string(op)).Str("session", sess.ID()).Logger()
	logger.Info().Str("mode", string(mode)).Msg("Run started")

	runErr := produce(ctx, d.Enqueue)
	waitErr := d.Close()
	closeErr := sess.Close()

	res := Result{
		Operation: op,
		SessionID: sess.ID(),
		Stats:     d.Stats(),
	}
	res.Report, res.HasReport = d.Report()

	if e.cfg.Logs.Archive != "" && closeErr == nil {
		keys, err := sess.Archive(context.WithoutCancel(ctx), e.cfg.Logs.Archive)
		if err != nil {
			logger.Error().Err(err).Str("bucket", e.cfg.Logs.Archive).Msg("Failed to archive logs")
		}
		res.Archived = keys
	}

	logger.Info().
		Int("items", res.Stats.Items).
		Int("failed_items", res.Stats.FailedItems).
		Int("entities", res.Stats.Entities).
		Int("failed_entities", res.Stats.FailedEntities).
		Msg("Run finished")

	return res, errors.Join(runErr, waitErr, closeErr)
}

func (e *Engine) targetLocales() []string {
	return e.cfg.Publish.TargetLocales
}

// publishEntries sweeps every (content type, locale) pair.
func (e *Engine) publishEntries(ctx context.Context, mode work.Mode, enqueue producer.Enqueuer) error {
	contentTypes := e.cfg.Publish.ContentTypes
	if len(contentTypes) == 0 {
		var err error
		contentTypes, err = e.querier.ContentTypes(ctx)
		if err != nil {
			return fmt.Errorf("list content types: %w", err)
		}
	}

	var sweeps []producer.Config
	for _, ct := range contentTypes {
		for _, locale := range e.cfg.Publish.Locales {
			sweeps = append(sweeps, producer.Config{
				Kind:          work.KindEntry,
				Mode:          mode,
				ContentType:   ct,
				Locale:        locale,
				Environments:  e.cfg.Publish.Environments,
				Locales:       e.targetLocales(),
				PageSize:      e.cfg.Dispatch.PageSize,
				BatchSize:     e.cfg.Dispatch.BatchSize,
				SkipPublished: e.cfg.Publish.SkipPublished,
			})
		}
	}
	return e.runSweeps(ctx, sweeps, enqueue)
}

// publishAssets sweeps the asset folder tree once per locale.
func (e *Engine) publishAssets(ctx context.Context, mode work.Mode, enqueue producer.Enqueuer) error {
	var sweeps []producer.Config
	for _, locale := range e.cfg.Publish.Locales {
		sweeps = append(sweeps, producer.Config{
			Kind:          work.KindAsset,
			Mode:          mode,
			Folder:        e.cfg.Publish.Folder,
			Locale:        locale,
			Environments:  e.cfg.Publish.Environments,
			Locales:       e.targetLocales(),
			PageSize:      e.cfg.Dispatch.PageSize,
			BatchSize:     e.cfg.Dispatch.BatchSize,
			SkipPublished: e.cfg.Publish.SkipPublished,
		})
	}
	return e.runSweeps(ctx, sweeps, enqueue)
}

// runSweeps runs up to Dispatch.ParallelSweeps sweeps at once. Each sweep
// owns its collectors, so order is preserved within a sweep.
func (e *Engine) runSweeps(ctx context.Context, sweeps []producer.Config, enqueue producer.Enqueuer) error {
	p := pool.New().WithMaxGoroutines(e.cfg.Dispatch.ParallelSweeps).WithContext(ctx)
	for _, cfg := range sweeps {
		p.Go(func(ctx context.Context) error {
			sweep, err := producer.NewSweep(e.querier, enqueue, cfg)
			if err != nil {
				return err
			}
			if err := sweep.Run(ctx); err != nil {
				return fmt.Errorf("sweep %s/%s: %w", sweepName(cfg), cfg.Locale, err)
			}
			return nil
		})
	}
	return p.Wait()
}

func sweepName(cfg producer.Config) string {
	if cfg.Kind == work.KindEntry {
		return cfg.ContentType
	}
	if cfg.Folder == "" {
		return stack.RootFolder
	}
	return cfg.Folder
}

// unpublish tails the change feed of the configured environment once per locale.
func (e *Engine) unpublish(ctx context.Context, mode work.Mode, enqueue producer.Enqueuer) error {
	feed := stack.NewSyncFeed(e.delivery)
	envs := e.cfg.Publish.Environments
	if len(envs) == 0 {
		envs = []string{e.cfg.Unpublish.Environment}
	}

	p := pool.New().WithMaxGoroutines(e.cfg.Dispatch.ParallelSweeps).WithContext(ctx)
	for _, locale := range e.cfg.Publish.Locales {
		p.Go(func(ctx context.Context) error {
			sweep, err := producer.NewSyncSweep(feed, enqueue, producer.SyncConfig{
				Mode:         mode,
				Environment:  e.cfg.Unpublish.Environment,
				Environments: envs,
				Locale:       locale,
				Locales:      e.targetLocales(),
				ContentType:  e.cfg.Unpublish.ContentType,
				Kind:         work.Kind(e.cfg.Unpublish.Kind),
				BatchSize:    e.cfg.Dispatch.BatchSize,
				PollInterval: e.cfg.Unpublish.PollInterval,
			})
			if err != nil {
				return err
			}
			if err := sweep.Run(ctx); err != nil {
				return fmt.Errorf("sync sweep %s: %w", locale, err)
			}
			return nil
		})
	}
	return p.Wait()
}
