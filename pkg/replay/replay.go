// Package replay resubmits the entities recorded in a previous session's
// log through a dispatcher, so a resumed run retries, backs off and logs
// exactly like a fresh one.
//
// Replay does not check the log against a success log from the same run.
// Point it at the .error log: replaying a .success log publishes items that
// already succeeded. That is allowed, with a warning, for deliberate
// re-publishing.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Sternrassler/cs-bulk-publish/pkg/logging"
	"github.com/Sternrassler/cs-bulk-publish/pkg/outcome"
	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
)

// ErrUnrecognizedLogKind is returned for a log whose name does not start
// with a known operation kind. Nothing is dispatched.
var ErrUnrecognizedLogKind = errors.New("unrecognized log kind")

// maxLineBytes bounds a single log line.
const maxLineBytes = 1 << 20

// maxPendingGroups bounds how many partial bulk groups are held while
// streaming; the oldest is dispatched when the bound is hit.
const maxPendingGroups = 64

// Enqueuer hands an item to the dispatcher.
type Enqueuer func(ctx context.Context, item work.Item) error

// Result summarises a replay.
type Result struct {
	Operation work.Operation
	Mode      work.Mode
	LogStatus outcome.Status
	Records   int
	Malformed int
	Items     int
}

// Inspect validates a log path against the known operation kinds and returns
// the operation, dispatch mode and the log's status. It does not open the file.
func Inspect(path string) (work.Operation, work.Mode, outcome.Status, error) {
	token, status := outcome.ParseLogName(path)
	op, err := work.ParseOperation(token)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %s (expected one of %s)",
			ErrUnrecognizedLogKind, filepath.Base(path), knownKinds())
	}

	mode := work.ModeSingle
	if strings.Contains(filepath.Base(path), "bulk") {
		mode = work.ModeBulk
	}
	return op, mode, status, nil
}

func knownKinds() string {
	ops := work.Operations()
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = string(op)
	}
	return strings.Join(names, ", ")
}

// Replay streams the log at path and enqueues one item per record in single
// mode, or the records regrouped into their original batches in bulk mode.
func Replay(ctx context.Context, path string, enqueue Enqueuer) (Result, error) {
	op, mode, status, err := Inspect(path)
	if err != nil {
		return Result{}, err
	}

	logger := logging.NewLogger("replay").With().
		Str("operation", string(op)).
		Str("mode", string(mode)).
		Str("log", path).
		Logger()

	if status == outcome.StatusSuccess {
		logger.Warn().Msg("Replaying a success log - items that already succeeded will be submitted again")
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	res := Result{Operation: op, Mode: mode, LogStatus: status}
	send := func(item work.Item) error {
		if err := enqueue(ctx, item); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		res.Items++
		return nil
	}

	var grouper *regrouper
	if mode == work.ModeBulk {
		grouper = newRegrouper(work.BatchSize, send)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		rec, err := outcome.Decode(raw)
		if err != nil {
			res.Malformed++
			logger.Warn().Err(err).Int("line", line).Msg("Skipping malformed record")
			continue
		}
		res.Records++

		item := itemFromRecord(op, mode, rec)
		if grouper != nil {
			err = grouper.add(rec.Batch, item)
		} else {
			err = send(item)
		}
		if err != nil {
			return res, err
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read log: %w", err)
	}

	if grouper != nil {
		if err := grouper.flush(); err != nil {
			return res, err
		}
	}

	logger.Info().
		Int("records", res.Records).
		Int("malformed", res.Malformed).
		Int("items", res.Items).
		Msg("Replay complete")
	return res, nil
}

// itemFromRecord rebuilds a one-entity item from a log record.
func itemFromRecord(op work.Operation, mode work.Mode, rec outcome.Record) work.Item {
	kind := work.Kind(rec.Kind)
	if kind != work.KindEntry && kind != work.KindAsset {
		kind = op.Kind()
		if kind == "" {
			kind = work.KindEntry
		}
	}

	return work.Item{
		Kind: kind,
		Mode: mode,
		Entities: []work.Entity{{
			UID:         rec.UID,
			Locale:      rec.Locale,
			ContentType: rec.ContentType,
			Version:     rec.Version,
		}},
		ContentType:  rec.ContentType,
		Locale:       rec.Locale,
		Environments: rec.Environments,
		Locales:      rec.Locales,
	}
}

// groupKey identifies records that may share one bulk call.
type groupKey struct {
	batch        uint64
	kind         work.Kind
	locale       string
	environments string
	locales      string
}

func keyFor(batch uint64, item work.Item) groupKey {
	return groupKey{
		batch:        batch,
		kind:         item.Kind,
		locale:       item.Locale,
		environments: strings.Join(item.Environments, ","),
		locales:      strings.Join(item.Locales, ","),
	}
}

// regrouper rebuilds bulk items from single-entity records.
type regrouper struct {
	size    int
	send    func(work.Item) error
	pending map[groupKey]*work.Item
	order   []groupKey
}

func newRegrouper(size int, send func(work.Item) error) *regrouper {
	return &regrouper{
		size:    size,
		send:    send,
		pending: make(map[groupKey]*work.Item),
	}
}

func (g *regrouper) add(batch uint64, item work.Item) error {
	key := keyFor(batch, item)
	group, ok := g.pending[key]
	if !ok {
		if len(g.order) >= maxPendingGroups {
			if err := g.emit(g.order[0]); err != nil {
				return err
			}
		}
		item.ContentType = ""
		g.pending[key] = &item
		g.order = append(g.order, key)
		group = g.pending[key]
	} else {
		group.Entities = append(group.Entities, item.Entities...)
	}

	if len(group.Entities) >= g.size {
		return g.emit(key)
	}
	return nil
}

func (g *regrouper) emit(key groupKey) error {
	group := g.pending[key]
	delete(g.pending, key)
	g.order = slices.DeleteFunc(g.order, func(k groupKey) bool { return k == key })
	return g.send(*group)
}

func (g *regrouper) flush() error {
	for len(g.order) > 0 {
		if err := g.emit(g.order[0]); err != nil {
			return err
		}
	}
	return nil
}
