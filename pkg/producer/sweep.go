package producer

import (
	"context"
	"fmt"

	"github.com/Sternrassler/cs-bulk-publish/pkg/batch"
	"github.com/Sternrassler/cs-bulk-publish/pkg/logging"
	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
	"github.com/rs/zerolog"
)

// DefaultPageSize is the number of entities requested per page.
const DefaultPageSize = 100

// Query is one page request against the stack.
type Query struct {
	Kind                  work.Kind
	ContentType           string
	Folder                string
	Locale                string
	Skip                  int
	Limit                 int
	IncludePublishDetails bool
}

// Page is one page of results. Count is the total size of the collection.
type Page struct {
	Items []work.Entity
	Count int
}

// Querier fetches pages of entries or assets.
type Querier interface {
	Query(ctx context.Context, q Query) (Page, error)
}

// Enqueuer hands an item to the dispatcher. It is expected to block until
// the dispatcher accepts more work.
type Enqueuer func(ctx context.Context, item work.Item) error

// State is a step of the sweep state machine.
type State string

const (
	StateStart          State = "START"
	StateFetching       State = "FETCHING"
	StateItemDispatched State = "ITEM_DISPATCHED"
	StateRecurse        State = "RECURSE_INTO_FOLDER"
	StatePageExhausted  State = "PAGE_EXHAUSTED"
	StateMorePages      State = "MORE_PAGES"
	StateDone           State = "DONE"
)

// Config describes one sweep over a (content type, locale) or (folder, locale) pair.
type Config struct {
	Kind work.Kind
	Mode work.Mode

	// ContentType is required for entries.
	ContentType string

	// Folder is the asset folder to start from; empty means the root.
	Folder string

	// Locale is the source locale of the sweep.
	Locale string

	// Environments and Locales are the publish targets.
	Environments []string
	Locales      []string

	PageSize  int
	BatchSize int

	// SkipPublished drops entities whose current version is already
	// published to every target environment and locale.
	SkipPublished bool

	// OnState, when set, observes every state transition.
	OnState func(State)
}

// SweepStats summarises a sweep.
type SweepStats struct {
	Pages    int
	Entities int
	Skipped  int
	Folders  int
	Items    int
}

// Sweep is one paginated pass over a collection.
type Sweep struct {
	cfg     Config
	querier Querier
	enqueue Enqueuer
	logger  zerolog.Logger

	visited map[string]bool
	stats   SweepStats
}

// NewSweep creates a sweep. It must not be reused.
func NewSweep(querier Querier, enqueue Enqueuer, cfg Config) (*Sweep, error) {
	if querier == nil || enqueue == nil {
		return nil, fmt.Errorf("querier and enqueuer are required")
	}
	if cfg.Kind == work.KindEntry && cfg.ContentType == "" {
		return nil, fmt.Errorf("content type is required for entries")
	}
	if cfg.Kind != work.KindEntry && cfg.Kind != work.KindAsset {
		return nil, fmt.Errorf("unknown kind %q", cfg.Kind)
	}
	if len(cfg.Environments) == 0 {
		return nil, fmt.Errorf("at least one environment is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = work.ModeSingle
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > work.BatchSize {
		cfg.BatchSize = work.BatchSize
	}

	return &Sweep{
		cfg:     cfg,
		querier: querier,
		enqueue: enqueue,
		logger: logging.NewLogger("producer").With().
			Str("kind", string(cfg.Kind)).
			Str("content_type", cfg.ContentType).
			Str("locale", cfg.Locale).
			Logger(),
		visited: make(map[string]bool),
	}, nil
}

// Run sweeps the collection to the end. Pagination and enqueue failures end
// the sweep; items already dispatched keep their recorded outcomes.
func (s *Sweep) Run(ctx context.Context) error {
	if err := s.sweep(ctx, s.cfg.Folder); err != nil {
		return err
	}
	s.logger.Info().
		Int("pages", s.stats.Pages).
		Int("entities", s.stats.Entities).
		Int("skipped", s.stats.Skipped).
		Int("folders", s.stats.Folders).
		Int("items", s.stats.Items).
		Msg("Sweep complete")
	return nil
}

// Stats returns the sweep counters.
func (s *Sweep) Stats() SweepStats {
	return s.stats
}

func (s *Sweep) sweep(ctx context.Context, folder string) error {
	var collector *batch.Collector
	if s.cfg.Mode == work.ModeBulk {
		collector = batch.NewCollector(s.cfg.BatchSize)
	}

	s.transition(StateStart)
	skip := 0
	for {
		s.transition(StateFetching)
		page, err := s.querier.Query(ctx, Query{
			Kind:                  s.cfg.Kind,
			ContentType:           s.cfg.ContentType,
			Folder:                folder,
			Locale:                s.cfg.Locale,
			Skip:                  skip,
			Limit:                 s.cfg.PageSize,
			IncludePublishDetails: true,
		})
		if err != nil {
			return fmt.Errorf("fetch page (folder=%q skip=%d): %w", folder, skip, err)
		}
		s.stats.Pages++

		for _, e := range page.Items {
			if e.IsDir {
				if err := s.recurse(ctx, e.UID); err != nil {
					return err
				}
				continue
			}
			if err := s.add(ctx, collector, e); err != nil {
				return err
			}
		}

		s.transition(StatePageExhausted)
		skip += s.cfg.PageSize
		more := skip < page.Count
		if page.Count == 0 {
			// No count in the response: a full page may have a successor.
			more = len(page.Items) == s.cfg.PageSize
		}
		if len(page.Items) == 0 || !more {
			break
		}
		s.transition(StateMorePages)
	}

	s.transition(StateDone)
	if collector != nil {
		if group, ok := collector.FlushRemainder(); ok {
			return s.dispatch(ctx, group)
		}
	}
	return nil
}

func (s *Sweep) recurse(ctx context.Context, folder string) error {
	if s.visited[folder] {
		s.logger.Warn().Str("folder", folder).Msg("Folder already swept - skipping")
		return nil
	}
	s.visited[folder] = true
	s.stats.Folders++

	s.transition(StateRecurse)
	s.logger.Debug().Str("folder", folder).Msg("Descending into folder")
	return s.sweep(ctx, folder)
}

func (s *Sweep) add(ctx context.Context, collector *batch.Collector, e work.Entity) error {
	s.stats.Entities++
	if s.cfg.SkipPublished && s.published(e) {
		s.stats.Skipped++
		s.logger.Debug().Str("uid", e.UID).Msg("Already published - skipping")
		return nil
	}

	if collector == nil {
		return s.dispatch(ctx, []work.Entity{e})
	}
	if group, ok := collector.Add(e); ok {
		return s.dispatch(ctx, group)
	}
	return nil
}

// published reports whether e is current in every target environment for
// every target locale.
func (s *Sweep) published(e work.Entity) bool {
	locales := s.cfg.Locales
	if len(locales) == 0 {
		locales = []string{s.cfg.Locale}
	}
	for _, locale := range locales {
		if !e.PublishedTo(s.cfg.Environments, locale) {
			return false
		}
	}
	return true
}

func (s *Sweep) dispatch(ctx context.Context, entities []work.Entity) error {
	item := work.Item{
		Kind:         s.cfg.Kind,
		Mode:         s.cfg.Mode,
		Entities:     entities,
		ContentType:  s.cfg.ContentType,
		Locale:       s.cfg.Locale,
		Environments: s.cfg.Environments,
		Locales:      s.cfg.Locales,
	}
	if err := s.enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	s.stats.Items++
	s.transition(StateItemDispatched)
	return nil
}

func (s *Sweep) transition(state State) {
	if s.cfg.OnState != nil {
		s.cfg.OnState(state)
	}
}
