// Package outcome persists per-entity results of a run as append-only,
// newline-delimited JSON logs that a later run can replay.
package outcome

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Status is the terminal state of one entity.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is one line of a session log. It is never mutated after write.
type Record struct {
	UID          string   `json:"uid"`
	Kind         string   `json:"kind,omitempty"`
	ContentType  string   `json:"content_type,omitempty"`
	Locale       string   `json:"locale"`
	Environments []string `json:"environments"`
	Locales      []string `json:"locales,omitempty"`
	Version      int      `json:"version,omitempty"`
	Status       Status   `json:"status"`
	Detail       string   `json:"detail,omitempty"`

	// Batch is the dispatcher sequence number of the work item the entity
	// travelled in. Entities of one bulk call share it.
	Batch uint64    `json:"batch,omitempty"`
	Time  time.Time `json:"time"`
}

// Decode parses a single log line.
func Decode(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, fmt.Errorf("decode outcome record: %w", err)
	}
	if rec.UID == "" {
		return Record{}, fmt.Errorf("decode outcome record: missing uid")
	}
	return rec, nil
}

func encode(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode outcome record: %w", err)
	}
	return append(data, '\n'), nil
}
