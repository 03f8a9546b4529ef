// Package stack adapts the content stack's management API to the engine:
// publish/unpublish handlers for the dispatcher and the paginated queries
// the producers consume.
package stack

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Sternrassler/cs-bulk-publish/pkg/client"
	"github.com/Sternrassler/cs-bulk-publish/pkg/dispatcher"
	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
)

// Doer sends a request through the retrying client.
type Doer interface {
	Send(ctx context.Context, req *client.Request) (*client.Response, error)
}

// Handlers builds dispatcher handlers for the publish endpoints.
type Handlers struct {
	api Doer
}

// NewHandlers creates handlers over api.
func NewHandlers(api Doer) *Handlers {
	return &Handlers{api: api}
}

// For returns the handler for an action in a dispatch mode: one remote call
// per entity in single mode, one per batch in bulk mode.
func (h *Handlers) For(action work.Action, mode work.Mode) dispatcher.Handler[work.Item] {
	if mode == work.ModeBulk {
		return func(ctx context.Context, item work.Item) error {
			return h.Bulk(ctx, action, item)
		}
	}
	return func(ctx context.Context, item work.Item) error {
		return h.Single(ctx, action, item)
	}
}

type targets struct {
	Environments []string `json:"environments"`
	Locales      []string `json:"locales,omitempty"`
}

type singleEntryBody struct {
	Entry   targets `json:"entry"`
	Locale  string  `json:"locale,omitempty"`
	Version int     `json:"version,omitempty"`
}

type singleAssetBody struct {
	Asset   targets `json:"asset"`
	Version int     `json:"version,omitempty"`
}

// Single publishes or unpublishes the one entity of a single-mode item.
func (h *Handlers) Single(ctx context.Context, action work.Action, item work.Item) error {
	if item.Mode != work.ModeSingle || len(item.Entities) != 1 {
		return fmt.Errorf("single handler got %s item with %d entities", item.Mode, len(item.Entities))
	}
	e := item.Entities[0]
	t := targets{Environments: item.Environments, Locales: item.TargetLocales()}

	var (
		path string
		body any
	)
	switch item.Kind {
	case work.KindEntry:
		ct := item.EntityContentType(e)
		if ct == "" {
			return fmt.Errorf("entry %s has no content type", e.UID)
		}
		path = fmt.Sprintf("/v3/content_types/%s/entries/%s/%s",
			url.PathEscape(ct), url.PathEscape(e.UID), action)
		body = singleEntryBody{Entry: t, Locale: item.EntityLocale(e), Version: e.Version}
	case work.KindAsset:
		path = fmt.Sprintf("/v3/assets/%s/%s", url.PathEscape(e.UID), action)
		body = singleAssetBody{Asset: t, Version: e.Version}
	default:
		return fmt.Errorf("unknown kind %q", item.Kind)
	}

	_, err := h.api.Send(ctx, &client.Request{
		Method:    http.MethodPost,
		Path:      path,
		Body:      body,
		Operation: fmt.Sprintf("%s_%s", action, item.Kind),
	})
	return err
}

type bulkEntry struct {
	UID         string `json:"uid"`
	ContentType string `json:"content_type"`
	Locale      string `json:"locale"`
	Version     int    `json:"version,omitempty"`
}

type bulkAsset struct {
	UID     string `json:"uid"`
	Version int    `json:"version,omitempty"`
}

type bulkBody struct {
	Entries      []bulkEntry `json:"entries,omitempty"`
	Assets       []bulkAsset `json:"assets,omitempty"`
	Locales      []string    `json:"locales"`
	Environments []string    `json:"environments"`
}

// Bulk publishes or unpublishes every entity of an item in one call.
func (h *Handlers) Bulk(ctx context.Context, action work.Action, item work.Item) error {
	if len(item.Entities) == 0 || len(item.Entities) > work.BatchSize {
		return fmt.Errorf("bulk handler got %d entities (limit %d)", len(item.Entities), work.BatchSize)
	}

	body := bulkBody{
		Locales:      item.TargetLocales(),
		Environments: item.Environments,
	}
	for _, e := range item.Entities {
		switch item.Kind {
		case work.KindEntry:
			body.Entries = append(body.Entries, bulkEntry{
				UID:         e.UID,
				ContentType: item.EntityContentType(e),
				Locale:      item.EntityLocale(e),
				Version:     e.Version,
			})
		case work.KindAsset:
			body.Assets = append(body.Assets, bulkAsset{UID: e.UID, Version: e.Version})
		default:
			return fmt.Errorf("unknown kind %q", item.Kind)
		}
	}

	_, err := h.api.Send(ctx, &client.Request{
		Method:    http.MethodPost,
		Path:      fmt.Sprintf("/v3/bulk/%s", action),
		Body:      body,
		Operation: fmt.Sprintf("bulk_%s", action),
	})
	return err
}
