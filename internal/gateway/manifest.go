package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ManifestRecord is one line of the promotion manifest: a verified
// byte-for-byte description of a file in the permanent store.
type ManifestRecord struct {
	TS     string            `json:"ts"`
	Src    string            `json:"src"`
	Dst    string            `json:"dst"`
	SHA256 string            `json:"sha256"`
	Bytes  int64             `json:"bytes"`
	Actor  string            `json:"actor"`
	PlanID string            `json:"plan_id"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// Manifest appends records to the NDJSON manifest file. Appends are
// serialized; the file is never rewritten.
type Manifest struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenManifest opens (creating if needed) the manifest for append.
func OpenManifest(path string) (*Manifest, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	return &Manifest{file: file, path: path}, nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return m.path
}

// Append writes one record as a single line.
func (m *Manifest) Append(rec ManifestRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode manifest record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return fmt.Errorf("manifest closed")
	}
	if _, err := m.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append manifest record: %w", err)
	}
	return nil
}

// Close closes the manifest file. Further appends fail.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		err := m.file.Close()
		m.file = nil
		return err
	}
	return nil
}

// ReadManifest scans the manifest forward, skipping torn lines.
func ReadManifest(path string) ([]ManifestRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	var records []ManifestRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ManifestRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("failed to scan manifest: %w", err)
	}
	return records, nil
}

// Filter selects manifest records. Zero-valued fields match everything.
// Tag is either "key" (the tag must be present) or "key:value" (the tag
// must carry that value).
type Filter struct {
	PlanID string
	Actor  string
	Tag    string
	Since  time.Time
	Until  time.Time
}

// Match reports whether the record passes every set field. Records
// whose timestamp cannot be parsed fail any date bound.
func (f Filter) Match(rec ManifestRecord) bool {
	if f.PlanID != "" && rec.PlanID != f.PlanID {
		return false
	}
	if f.Actor != "" && rec.Actor != f.Actor {
		return false
	}
	if f.Tag != "" {
		key, want, exact := strings.Cut(f.Tag, ":")
		got, present := rec.Tags[key]
		if !present || (exact && got != want) {
			return false
		}
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		ts, err := time.Parse(time.RFC3339, rec.TS)
		if err != nil {
			return false
		}
		if !f.Since.IsZero() && ts.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && ts.After(f.Until) {
			return false
		}
	}
	return true
}

// FilterRecords keeps the records matching f, preserving order.
func FilterRecords(records []ManifestRecord, f Filter) []ManifestRecord {
	var out []ManifestRecord
	for _, rec := range records {
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// ManifestStats summarizes the manifest for reporting.
type ManifestStats struct {
	Total      int            `json:"total"`
	TotalBytes int64          `json:"total_bytes"`
	ByActor    map[string]int `json:"by_actor"`
	ByPlan     map[string]int `json:"by_plan"`
	ByDay      map[string]int `json:"by_day"`
	FirstTS    string         `json:"first_ts,omitempty"`
	LastTS     string         `json:"last_ts,omitempty"`
}

// ComputeManifestStats aggregates record counts and sizes.
func ComputeManifestStats(path string) (ManifestStats, error) {
	stats := ManifestStats{
		ByActor: make(map[string]int),
		ByPlan:  make(map[string]int),
		ByDay:   make(map[string]int),
	}

	records, err := ReadManifest(path)
	if err != nil {
		return stats, err
	}
	for _, rec := range records {
		stats.Total++
		stats.TotalBytes += rec.Bytes
		stats.ByActor[rec.Actor]++
		stats.ByPlan[rec.PlanID]++
		if len(rec.TS) >= 10 {
			stats.ByDay[rec.TS[:10]]++
		}
		if stats.FirstTS == "" {
			stats.FirstTS = rec.TS
		}
		stats.LastTS = rec.TS
	}
	return stats, nil
}
