package model

import "time"

// HistoryVersion is the metadata of one past generation run.
type HistoryVersion struct {
	Version       string    `json:"version" yaml:"version"`
	Status        string    `json:"status" yaml:"status"`
	PromptSummary string    `json:"prompt_summary,omitempty" yaml:"prompt_summary,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// HistorySnapshot is the frozen record set of a past version. It has no
// mutators: every accessor hands out copies.
type HistorySnapshot struct {
	version string
	records []Record
	index   map[string]int
}

// NewHistorySnapshot freezes a copy of records under version.
func NewHistorySnapshot(version string, records []Record) *HistorySnapshot {
	s := &HistorySnapshot{
		version: version,
		records: CloneRecords(records),
		index:   make(map[string]int, len(records)),
	}
	for i, r := range s.records {
		s.index[r.ID] = i
	}
	return s
}

// Version returns the version the snapshot was taken at.
func (s *HistorySnapshot) Version() string { return s.version }

// Len returns the number of records.
func (s *HistorySnapshot) Len() int { return len(s.records) }

// Records returns a copy of the frozen records.
func (s *HistorySnapshot) Records() []Record { return CloneRecords(s.records) }

// Record returns a copy of one frozen record.
func (s *HistorySnapshot) Record(id string) (Record, bool) {
	i, ok := s.index[id]
	if !ok {
		return Record{}, false
	}
	return s.records[i].Clone(), true
}
