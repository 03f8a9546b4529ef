// Package producer drives paginated reads of the stack and feeds the
// entities it finds to a dispatcher, batching them for bulk runs.
//
// The query layer itself is external; producers only rely on the shape
//
//	query({skip, limit, folder?, locale?, include_publish_details}) -> {items, count}
//
// expressed by Querier, and on the change feed expressed by SyncFeed.
//
// Every sweep walks the same state machine:
//
//	START -> FETCHING -> (ITEM_DISPATCHED | RECURSE_INTO_FOLDER)* -> PAGE_EXHAUSTED
//	      -> (MORE_PAGES -> FETCHING | DONE)
//
// DONE flushes the partial batch exactly once per (content type, locale) or
// (folder, locale). Folder entities are never batched: the sweep descends
// into them with skip reset to 0, and the nested sweep owns its own batch.
//
// A Sweep holds all of its state and is built fresh per invocation, so
// sweeps over different locales can run side by side.
package producer
