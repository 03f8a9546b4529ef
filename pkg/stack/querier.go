package stack

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Sternrassler/cs-bulk-publish/pkg/client"
	"github.com/Sternrassler/cs-bulk-publish/pkg/producer"
	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
)

// RootFolder addresses the top level of the asset library.
const RootFolder = "cs_root"

// Querier lists entries and assets page by page.
type Querier struct {
	api Doer
}

var _ producer.Querier = (*Querier)(nil)

// NewQuerier creates a querier over api.
func NewQuerier(api Doer) *Querier {
	return &Querier{api: api}
}

type entriesPage struct {
	Entries []work.Entity `json:"entries"`
	Count   int           `json:"count"`
}

type assetsPage struct {
	Assets []work.Entity `json:"assets"`
	Count  int           `json:"count"`
}

// Query implements producer.Querier.
func (q *Querier) Query(ctx context.Context, query producer.Query) (producer.Page, error) {
	params := url.Values{}
	params.Set("skip", strconv.Itoa(query.Skip))
	params.Set("limit", strconv.Itoa(query.Limit))
	params.Set("include_count", "true")
	if query.IncludePublishDetails {
		params.Set("include_publish_details", "true")
	}
	if query.Locale != "" {
		params.Set("locale", query.Locale)
	}

	switch query.Kind {
	case work.KindEntry:
		path := fmt.Sprintf("/v3/content_types/%s/entries", url.PathEscape(query.ContentType))
		resp, err := q.api.Send(ctx, &client.Request{Path: path, Query: params, Operation: "list_entries"})
		if err != nil {
			return producer.Page{}, err
		}
		var page entriesPage
		if err := resp.Decode(&page); err != nil {
			return producer.Page{}, err
		}
		for i := range page.Entries {
			if page.Entries[i].ContentType == "" {
				page.Entries[i].ContentType = query.ContentType
			}
		}
		return producer.Page{Items: page.Entries, Count: page.Count}, nil

	case work.KindAsset:
		folder := query.Folder
		if folder == "" {
			folder = RootFolder
		}
		params.Set("folder", folder)
		params.Set("include_folders", "true")
		resp, err := q.api.Send(ctx, &client.Request{Path: "/v3/assets", Query: params, Operation: "list_assets"})
		if err != nil {
			return producer.Page{}, err
		}
		var page assetsPage
		if err := resp.Decode(&page); err != nil {
			return producer.Page{}, err
		}
		return producer.Page{Items: page.Assets, Count: page.Count}, nil

	default:
		return producer.Page{}, fmt.Errorf("unknown kind %q", query.Kind)
	}
}

type contentTypesPage struct {
	ContentTypes []struct {
		UID string `json:"uid"`
	} `json:"content_types"`
	Count int `json:"count"`
}

// ContentTypes lists every content type uid of the stack.
func (q *Querier) ContentTypes(ctx context.Context) ([]string, error) {
	const limit = 100
	var uids []string
	for skip := 0; ; skip += limit {
		params := url.Values{}
		params.Set("skip", strconv.Itoa(skip))
		params.Set("limit", strconv.Itoa(limit))
		params.Set("include_count", "true")

		resp, err := q.api.Send(ctx, &client.Request{Path: "/v3/content_types", Query: params, Operation: "list_content_types"})
		if err != nil {
			return nil, err
		}
		var page contentTypesPage
		if err := resp.Decode(&page); err != nil {
			return nil, err
		}
		for _, ct := range page.ContentTypes {
			uids = append(uids, ct.UID)
		}
		if len(page.ContentTypes) == 0 || skip+limit >= page.Count {
			return uids, nil
		}
	}
}
