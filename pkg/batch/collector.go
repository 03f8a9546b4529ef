// Package batch groups entities into fixed-size batches for the bulk
// endpoints.
package batch

import (
	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
)

// Collector accumulates entities until a group of Size is full. Its buffer
// length is always in [0, Size]. A Collector belongs to one producer loop
// and is not safe for concurrent use.
type Collector struct {
	size   int
	buffer []work.Entity
}

// NewCollector creates a collector emitting groups of size entities.
// Sizes outside 1..work.BatchSize fall back to work.BatchSize.
func NewCollector(size int) *Collector {
	if size < 1 || size > work.BatchSize {
		size = work.BatchSize
	}
	return &Collector{
		size:   size,
		buffer: make([]work.Entity, 0, size),
	}
}

// Size returns the group size.
func (c *Collector) Size() int {
	return c.size
}

// Len returns the number of buffered entities.
func (c *Collector) Len() int {
	return len(c.buffer)
}

// Add buffers e. When the buffer reaches Size it is returned as a full
// group and reset.
func (c *Collector) Add(e work.Entity) ([]work.Entity, bool) {
	c.buffer = append(c.buffer, e)
	if len(c.buffer) < c.size {
		return nil, false
	}
	return c.take(), true
}

// FlushRemainder returns whatever is buffered and resets. ok is false when
// the buffer is empty.
func (c *Collector) FlushRemainder() ([]work.Entity, bool) {
	if len(c.buffer) == 0 {
		return nil, false
	}
	return c.take(), true
}

func (c *Collector) take() []work.Entity {
	group := c.buffer
	c.buffer = make([]work.Entity, 0, c.size)
	return group
}

// Key identifies one independent buffer in a Set.
type Key struct {
	Kind        work.Kind
	ContentType string
	Locale      string
}

// Set keeps one Collector per Key for producers that interleave entities of
// different kinds, content types or locales.
type Set struct {
	size       int
	collectors map[Key]*Collector
	order      []Key
}

// NewSet creates an empty set of collectors of the given group size.
func NewSet(size int) *Set {
	return &Set{
		size:       size,
		collectors: make(map[Key]*Collector),
	}
}

// Add buffers e under key and returns a full group when one is ready.
func (s *Set) Add(key Key, e work.Entity) ([]work.Entity, bool) {
	c, ok := s.collectors[key]
	if !ok {
		c = NewCollector(s.size)
		s.collectors[key] = c
		s.order = append(s.order, key)
	}
	return c.Add(e)
}

// Group is a flushed remainder with its key.
type Group struct {
	Key      Key
	Entities []work.Entity
}

// FlushRemainder drains every non-empty collector, in the order keys were
// first seen.
func (s *Set) FlushRemainder() []Group {
	var groups []Group
	for _, key := range s.order {
		if entities, ok := s.collectors[key].FlushRemainder(); ok {
			groups = append(groups, Group{Key: key, Entities: entities})
		}
	}
	return groups
}
