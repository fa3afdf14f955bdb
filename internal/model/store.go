package model

import (
	"errors"
	"sort"
)

// DefaultMaxEntries matches the entry table size of the display firmware.
const DefaultMaxEntries = 100

// ErrStoreFull is returned by Add once the store holds its capacity.
var ErrStoreFull = errors.New("entry store full")

// Stats are the running counters of one refresh cycle.
type Stats struct {
	TotalEvents         uint64 `json:"total_events"`
	TotalRelevantEvents uint64 `json:"total_relevant_events"`
}

// EntryStore is the fixed-capacity collection filled during one refresh
// cycle. It is not safe for concurrent use; refresh cycles are serialised by
// the caller.
type EntryStore struct {
	entries []Entry
	max     int
	stats   Stats
}

func NewEntryStore(max int) *EntryStore {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &EntryStore{
		entries: make([]Entry, 0, max),
		max:     max,
	}
}

// Add appends e, or returns ErrStoreFull without modifying the store.
func (s *EntryStore) Add(e Entry) error {
	if len(s.entries) >= s.max {
		return ErrStoreFull
	}
	s.entries = append(s.entries, e)
	return nil
}

// Reset clears entries and counters for the next refresh cycle.
func (s *EntryStore) Reset() {
	s.entries = s.entries[:0]
	s.stats = Stats{}
}

func (s *EntryStore) Len() int { return len(s.entries) }

func (s *EntryStore) Cap() int { return s.max }

func (s *EntryStore) Full() bool { return len(s.entries) >= s.max }

func (s *EntryStore) Stats() Stats { return s.stats }

// CountEvent records one complete VEVENT seen in the feed.
func (s *EntryStore) CountEvent() { s.stats.TotalEvents++ }

// CountRelevant records one event that produced at least one entry.
func (s *EntryStore) CountRelevant() { s.stats.TotalRelevantEvents++ }

// Entries returns a copy of the stored entries in their current order.
func (s *EntryStore) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Sort orders entries by timestamp, then tie-break (descending), then name,
// so that equal entries keep the same position between refreshes.
func (s *EntryStore) Sort() {
	SortEntries(s.entries)
}

func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.SortTieBreak != b.SortTieBreak {
			return a.SortTieBreak > b.SortTieBreak
		}
		return a.Name < b.Name
	})
}
