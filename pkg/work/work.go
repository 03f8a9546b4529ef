// Package work defines the unit of dispatch shared by producers, the
// dispatcher and the replay driver.
package work

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/cs-bulk-publish/pkg/outcome"
)

// BatchSize is the maximum number of entities the bulk endpoints accept per call.
const BatchSize = 10

// Kind is the type of entity an item carries.
type Kind string

const (
	// KindEntry is a content entry.
	KindEntry Kind = "entry"

	// KindAsset is an asset or asset folder.
	KindAsset Kind = "asset"
)

// Mode selects between one remote call per entity and one per batch.
type Mode string

const (
	// ModeSingle sends one request per entity.
	ModeSingle Mode = "single"

	// ModeBulk sends one request per group of up to BatchSize entities.
	ModeBulk Mode = "bulk"
)

// Errors returned by Item.Validate.
var (
	ErrEmptyItem       = errors.New("work item has no entities")
	ErrBatchTooLarge   = errors.New("bulk work item exceeds batch size")
	ErrSingleMultiple  = errors.New("single work item must carry exactly one entity")
	ErrNoEnvironments  = errors.New("work item has no target environments")
	ErrUnknownKindMode = errors.New("work item has unknown kind or mode")
)

// PublishDetail is one environment/locale publication of an entity as
// reported by the stack.
type PublishDetail struct {
	Environment string `json:"environment"`
	Locale      string `json:"locale"`
	Version     int    `json:"version,omitempty"`
	Time        string `json:"time,omitempty"`
}

// Entity is the summary of an entry or asset needed to publish it.
type Entity struct {
	UID            string          `json:"uid"`
	Locale         string          `json:"locale,omitempty"`
	ContentType    string          `json:"content_type,omitempty"`
	Version        int             `json:"_version,omitempty"`
	IsDir          bool            `json:"is_dir,omitempty"`
	PublishDetails []PublishDetail `json:"publish_details,omitempty"`
}

// PublishedTo reports whether the entity's current version is already
// published to every environment for the locale.
func (e Entity) PublishedTo(environments []string, locale string) bool {
	if len(environments) == 0 {
		return false
	}
	for _, env := range environments {
		found := false
		for _, pd := range e.PublishDetails {
			if pd.Environment != env || (locale != "" && pd.Locale != locale) {
				continue
			}
			if e.Version == 0 || pd.Version >= e.Version {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Item is one unit of dispatch: a single entity or a batch of up to
// BatchSize entities sharing their targets.
type Item struct {
	Kind     Kind
	Mode     Mode
	Entities []Entity

	// ContentType and Locale describe the source collection the entities
	// were read from. Entities may override both.
	ContentType string
	Locale      string

	// Environments and Locales are the publish targets. An empty Locales
	// falls back to Locale.
	Environments []string
	Locales      []string
}

// NewSingle creates a single-mode item for one entity.
func NewSingle(kind Kind, e Entity, contentType, locale string, environments, locales []string) Item {
	return Item{
		Kind:         kind,
		Mode:         ModeSingle,
		Entities:     []Entity{e},
		ContentType:  contentType,
		Locale:       locale,
		Environments: environments,
		Locales:      locales,
	}
}

// Validate checks the discriminated shape of the item.
func (it Item) Validate() error {
	if it.Kind != KindEntry && it.Kind != KindAsset {
		return fmt.Errorf("%w: kind %q", ErrUnknownKindMode, it.Kind)
	}
	if len(it.Entities) == 0 {
		return ErrEmptyItem
	}
	if len(it.Environments) == 0 {
		return ErrNoEnvironments
	}
	switch it.Mode {
	case ModeSingle:
		if len(it.Entities) != 1 {
			return fmt.Errorf("%w (got %d)", ErrSingleMultiple, len(it.Entities))
		}
	case ModeBulk:
		if len(it.Entities) > BatchSize {
			return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(it.Entities), BatchSize)
		}
	default:
		return fmt.Errorf("%w: mode %q", ErrUnknownKindMode, it.Mode)
	}
	return nil
}

// TargetLocales returns the locales the item publishes to.
func (it Item) TargetLocales() []string {
	if len(it.Locales) > 0 {
		return it.Locales
	}
	if it.Locale != "" {
		return []string{it.Locale}
	}
	return nil
}

// EntityContentType returns the content type of e, falling back to the item's.
func (it Item) EntityContentType(e Entity) string {
	if e.ContentType != "" {
		return e.ContentType
	}
	return it.ContentType
}

// EntityLocale returns the locale of e, falling back to the item's.
func (it Item) EntityLocale(e Entity) string {
	if e.Locale != "" {
		return e.Locale
	}
	return it.Locale
}

// Records fans the item out into one outcome record per entity. A nil err
// produces success records.
func (it Item) Records(batch uint64, err error) []outcome.Record {
	status := outcome.StatusSuccess
	detail := ""
	if err != nil {
		status = outcome.StatusError
		detail = err.Error()
	}

	records := make([]outcome.Record, 0, len(it.Entities))
	for _, e := range it.Entities {
		records = append(records, outcome.Record{
			UID:          e.UID,
			Kind:         string(it.Kind),
			ContentType:  it.EntityContentType(e),
			Locale:       it.EntityLocale(e),
			Environments: it.Environments,
			Locales:      it.Locales,
			Version:      e.Version,
			Status:       status,
			Detail:       detail,
			Batch:        batch,
		})
	}
	return records
}

// Len returns the number of entities in the item.
func (it Item) Len() int {
	return len(it.Entities)
}
