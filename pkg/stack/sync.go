package stack

import (
	"context"
	"net/url"

	"github.com/Sternrassler/cs-bulk-publish/pkg/client"
	"github.com/Sternrassler/cs-bulk-publish/pkg/producer"
	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
)

// Sync feed item types.
const (
	SyncEntryPublished = "entry_published"
	SyncAssetPublished = "asset_published"
)

// SyncFeed reads the delivery API's sync endpoint.
type SyncFeed struct {
	api Doer
}

var _ producer.SyncFeed = (*SyncFeed)(nil)

// NewSyncFeed creates a feed over a client configured for the delivery API.
func NewSyncFeed(api Doer) *SyncFeed {
	return &SyncFeed{api: api}
}

type syncResponse struct {
	Items []struct {
		Type           string `json:"type"`
		ContentTypeUID string `json:"content_type_uid"`
		Data           struct {
			UID     string `json:"uid"`
			Locale  string `json:"locale"`
			Version int    `json:"_version"`
		} `json:"data"`
	} `json:"items"`
	PaginationToken string `json:"pagination_token"`
}

// Sync implements producer.SyncFeed.
func (s *SyncFeed) Sync(ctx context.Context, q producer.SyncQuery) (producer.SyncPage, error) {
	params := url.Values{}
	if q.PaginationToken != "" {
		params.Set("pagination_token", q.PaginationToken)
	} else {
		params.Set("init", "true")
		params.Set("environment", q.Environment)
		if q.Locale != "" {
			params.Set("locale", q.Locale)
		}
		if q.ContentType != "" {
			params.Set("content_type_uid", q.ContentType)
		}
		switch q.Kind {
		case work.KindEntry:
			params.Set("type", SyncEntryPublished)
		case work.KindAsset:
			params.Set("type", SyncAssetPublished)
		default:
			params.Set("type", SyncEntryPublished+","+SyncAssetPublished)
		}
	}

	resp, err := s.api.Send(ctx, &client.Request{Path: "/v3/stacks/sync", Query: params, Operation: "sync"})
	if err != nil {
		return producer.SyncPage{}, err
	}

	var body syncResponse
	if err := resp.Decode(&body); err != nil {
		return producer.SyncPage{}, err
	}

	page := producer.SyncPage{PaginationToken: body.PaginationToken}
	for _, it := range body.Items {
		var kind work.Kind
		switch it.Type {
		case SyncEntryPublished:
			kind = work.KindEntry
		case SyncAssetPublished:
			kind = work.KindAsset
		default:
			continue
		}
		page.Items = append(page.Items, producer.SyncItem{
			Kind: kind,
			Entity: work.Entity{
				UID:         it.Data.UID,
				Locale:      it.Data.Locale,
				ContentType: it.ContentTypeUID,
				Version:     it.Data.Version,
			},
		})
	}
	return page, nil
}
