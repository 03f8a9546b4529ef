package batch

import (
	"fmt"
	"testing"

	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
)

func entities(n int) []work.Entity {
	out := make([]work.Entity, n)
	for i := range out {
		out[i] = work.Entity{UID: fmt.Sprintf("blt%03d", i)}
	}
	return out
}

func TestCollector_Groups(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		count    int
		expected []int
	}{
		{"empty", 10, 0, nil},
		{"partial", 10, 3, []int{3}},
		{"exact", 10, 10, []int{10}},
		{"23 entities", 10, 23, []int{10, 10, 3}},
		{"multiple of size", 10, 30, []int{10, 10, 10}},
		{"size one", 1, 3, []int{1, 1, 1}},
		{"invalid size falls back", 0, 12, []int{10, 2}},
		{"oversized falls back", 50, 12, []int{10, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector(tt.size)

			var sizes []int
			var seen []string
			for _, e := range entities(tt.count) {
				if group, full := c.Add(e); full {
					sizes = append(sizes, len(group))
					for _, g := range group {
						seen = append(seen, g.UID)
					}
				}
				if c.Len() < 0 || c.Len() > c.Size() {
					t.Fatalf("buffer length %d outside [0, %d]", c.Len(), c.Size())
				}
			}
			if group, ok := c.FlushRemainder(); ok {
				sizes = append(sizes, len(group))
				for _, g := range group {
					seen = append(seen, g.UID)
				}
			}

			if fmt.Sprint(sizes) != fmt.Sprint(tt.expected) {
				t.Errorf("group sizes = %v, want %v", sizes, tt.expected)
			}
			for i, uid := range seen {
				if want := fmt.Sprintf("blt%03d", i); uid != want {
					t.Fatalf("entity %d = %s, want %s (order must be preserved)", i, uid, want)
				}
			}
			if c.Len() != 0 {
				t.Errorf("Len() after flush = %d, want 0", c.Len())
			}
		})
	}
}

func TestCollector_FlushRemainderOnce(t *testing.T) {
	c := NewCollector(10)
	c.Add(work.Entity{UID: "a"})

	if _, ok := c.FlushRemainder(); !ok {
		t.Fatal("first FlushRemainder() should return the buffered entity")
	}
	if group, ok := c.FlushRemainder(); ok {
		t.Errorf("second FlushRemainder() = %v, want nothing", group)
	}
}

func TestCollector_GroupsAreIndependent(t *testing.T) {
	c := NewCollector(2)
	first, _ := c.Add(work.Entity{UID: "a"})
	first, _ = c.Add(work.Entity{UID: "b"})
	c.Add(work.Entity{UID: "c"})
	c.Add(work.Entity{UID: "d"})

	if first[0].UID != "a" || first[1].UID != "b" {
		t.Errorf("first group was overwritten: %v", first)
	}
}

func TestSet(t *testing.T) {
	s := NewSet(2)
	en := Key{Kind: work.KindEntry, Locale: "en-us"}
	de := Key{Kind: work.KindEntry, Locale: "de-de"}
	assets := Key{Kind: work.KindAsset, Locale: "en-us"}

	if _, full := s.Add(de, work.Entity{UID: "d1"}); full {
		t.Fatal("de-de should not be full after one entity")
	}
	if _, full := s.Add(en, work.Entity{UID: "e1"}); full {
		t.Fatal("en-us should not be full after one entity")
	}
	group, full := s.Add(en, work.Entity{UID: "e2"})
	if !full || len(group) != 2 || group[0].UID != "e1" || group[1].UID != "e2" {
		t.Fatalf("Add() = %v, %v, want full en-us group [e1 e2]", group, full)
	}
	s.Add(assets, work.Entity{UID: "a1"})

	groups := s.FlushRemainder()
	if len(groups) != 2 {
		t.Fatalf("FlushRemainder() returned %d groups, want 2", len(groups))
	}
	if groups[0].Key != de || groups[0].Entities[0].UID != "d1" {
		t.Errorf("first group = %+v, want de-de [d1]", groups[0])
	}
	if groups[1].Key != assets || groups[1].Entities[0].UID != "a1" {
		t.Errorf("second group = %+v, want assets [a1]", groups[1])
	}

	if again := s.FlushRemainder(); len(again) != 0 {
		t.Errorf("second FlushRemainder() = %v, want none", again)
	}
}
