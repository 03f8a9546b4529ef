package work

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownOperation is returned when a name is not a known operation kind.
var ErrUnknownOperation = errors.New("unknown operation")

// Action is the remote transition applied to entities.
type Action string

const (
	ActionPublish   Action = "publish"
	ActionUnpublish Action = "unpublish"
)

// Operation names one kind of run. The name prefixes the session's log
// files so a later replay can pick the right handler.
type Operation string

const (
	OpPublishEntries     Operation = "publish-entries"
	OpBulkPublishEntries Operation = "bulk-publish-entries"
	OpPublishAssets      Operation = "publish-assets"
	OpBulkPublishAssets  Operation = "bulk-publish-assets"
	OpUnpublish          Operation = "unpublish"
	OpBulkUnpublish      Operation = "bulk-unpublish"
)

var operations = []Operation{
	OpPublishEntries,
	OpBulkPublishEntries,
	OpPublishAssets,
	OpBulkPublishAssets,
	OpUnpublish,
	OpBulkUnpublish,
}

// Operations returns every known operation kind.
func Operations() []Operation {
	out := make([]Operation, len(operations))
	copy(out, operations)
	return out
}

// ParseOperation returns the operation with exactly the given name.
func ParseOperation(name string) (Operation, error) {
	for _, op := range operations {
		if string(op) == name {
			return op, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperation, name)
}

// OperationFor returns the operation for an action on a kind in a mode.
// Unpublish covers both kinds.
func OperationFor(action Action, kind Kind, mode Mode) Operation {
	var name string
	switch {
	case action == ActionUnpublish:
		name = "unpublish"
	case kind == KindAsset:
		name = "publish-assets"
	default:
		name = "publish-entries"
	}
	if mode == ModeBulk {
		name = "bulk-" + name
	}
	return Operation(name)
}

// Bulk reports whether the operation dispatches batches.
func (o Operation) Bulk() bool {
	return strings.Contains(string(o), "bulk")
}

// Mode returns the dispatch mode of the operation.
func (o Operation) Mode() Mode {
	if o.Bulk() {
		return ModeBulk
	}
	return ModeSingle
}

// Action returns the remote transition the operation applies.
func (o Operation) Action() Action {
	if strings.HasSuffix(string(o), "unpublish") {
		return ActionUnpublish
	}
	return ActionPublish
}

// Kind returns the entity kind of the operation, or "" when the operation
// covers entries and assets alike.
func (o Operation) Kind() Kind {
	switch {
	case strings.HasSuffix(string(o), "assets"):
		return KindAsset
	case strings.HasSuffix(string(o), "entries"):
		return KindEntry
	default:
		return ""
	}
}

func (o Operation) String() string {
	return string(o)
}
