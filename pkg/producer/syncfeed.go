package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/cs-bulk-publish/pkg/batch"
	"github.com/Sternrassler/cs-bulk-publish/pkg/logging"
	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is the wait between change feed pages.
const DefaultPollInterval = 3 * time.Second

// SyncQuery requests one page of the change feed.
type SyncQuery struct {
	// Environment whose published content is listed.
	Environment string
	Locale      string
	ContentType string

	// Kind restricts the feed to published entries or published assets.
	// Empty lists both.
	Kind work.Kind

	// PaginationToken continues a previous page; empty starts a new feed.
	PaginationToken string
}

// SyncItem is one published entity reported by the feed.
type SyncItem struct {
	Kind   work.Kind
	Entity work.Entity
}

// SyncPage is one page of the change feed. An empty PaginationToken marks
// the last page.
type SyncPage struct {
	Items           []SyncItem
	PaginationToken string
}

// SyncFeed reads the stack's change feed.
type SyncFeed interface {
	Sync(ctx context.Context, q SyncQuery) (SyncPage, error)
}

// SyncConfig describes one pass over the change feed.
type SyncConfig struct {
	Mode work.Mode

	// Environment is read from the feed; Environments are the targets and
	// default to Environment.
	Environment  string
	Environments []string

	Locale      string
	Locales     []string
	ContentType string
	Kind        work.Kind

	BatchSize    int
	PollInterval time.Duration

	// OnState, when set, observes every state transition.
	OnState func(State)
}

// SyncSweep tails the change feed until its last page and dispatches every
// published entity it reports.
type SyncSweep struct {
	cfg     SyncConfig
	feed    SyncFeed
	enqueue Enqueuer
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	stats SweepStats
}

// NewSyncSweep creates a change feed sweep. It must not be reused.
func NewSyncSweep(feed SyncFeed, enqueue Enqueuer, cfg SyncConfig) (*SyncSweep, error) {
	if feed == nil || enqueue == nil {
		return nil, fmt.Errorf("feed and enqueuer are required")
	}
	if cfg.Environment == "" {
		return nil, fmt.Errorf("environment is required")
	}
	if len(cfg.Environments) == 0 {
		cfg.Environments = []string{cfg.Environment}
	}
	if cfg.Mode == "" {
		cfg.Mode = work.ModeSingle
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > work.BatchSize {
		cfg.BatchSize = work.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &SyncSweep{
		cfg:     cfg,
		feed:    feed,
		enqueue: enqueue,
		logger: logging.NewLogger("producer").With().
			Str("feed", "sync").
			Str("environment", cfg.Environment).
			Str("locale", cfg.Locale).
			Logger(),
		sleep: sleepContext,
	}, nil
}

// Run tails the feed to its last page, then flushes every partial batch.
func (s *SyncSweep) Run(ctx context.Context) error {
	var groups *batch.Set
	if s.cfg.Mode == work.ModeBulk {
		groups = batch.NewSet(s.cfg.BatchSize)
	}

	s.transition(StateStart)
	token := ""
	for {
		s.transition(StateFetching)
		page, err := s.feed.Sync(ctx, SyncQuery{
			Environment:     s.cfg.Environment,
			Locale:          s.cfg.Locale,
			ContentType:     s.cfg.ContentType,
			Kind:            s.cfg.Kind,
			PaginationToken: token,
		})
		if err != nil {
			return fmt.Errorf("fetch sync page: %w", err)
		}
		s.stats.Pages++

		for _, it := range page.Items {
			s.stats.Entities++
			if err := s.add(ctx, groups, it); err != nil {
				return err
			}
		}

		s.transition(StatePageExhausted)
		if page.PaginationToken == "" {
			break
		}
		token = page.PaginationToken
		s.transition(StateMorePages)

		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}

	s.transition(StateDone)
	if groups != nil {
		for _, g := range groups.FlushRemainder() {
			if err := s.dispatch(ctx, g.Key.Kind, g.Key.Locale, g.Entities); err != nil {
				return err
			}
		}
	}

	s.logger.Info().
		Int("pages", s.stats.Pages).
		Int("entities", s.stats.Entities).
		Int("items", s.stats.Items).
		Msg("Sync sweep complete")
	return nil
}

// Stats returns the sweep counters.
func (s *SyncSweep) Stats() SweepStats {
	return s.stats
}

func (s *SyncSweep) add(ctx context.Context, groups *batch.Set, it SyncItem) error {
	locale := it.Entity.Locale
	if locale == "" {
		locale = s.cfg.Locale
	}

	if groups == nil {
		return s.dispatch(ctx, it.Kind, locale, []work.Entity{it.Entity})
	}
	key := batch.Key{Kind: it.Kind, Locale: locale}
	if group, ok := groups.Add(key, it.Entity); ok {
		return s.dispatch(ctx, it.Kind, locale, group)
	}
	return nil
}

func (s *SyncSweep) dispatch(ctx context.Context, kind work.Kind, locale string, entities []work.Entity) error {
	item := work.Item{
		Kind:         kind,
		Mode:         s.cfg.Mode,
		Entities:     entities,
		Locale:       locale,
		Environments: s.cfg.Environments,
		Locales:      s.cfg.Locales,
	}
	if kind == work.KindEntry {
		item.ContentType = s.cfg.ContentType
	}
	if err := s.enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	s.stats.Items++
	s.transition(StateItemDispatched)
	return nil
}

func (s *SyncSweep) transition(state State) {
	if s.cfg.OnState != nil {
		s.cfg.OnState(state)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
