package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// ReadAll scans the ledger forward and returns every record.
// Unparseable lines (e.g. a torn final line from a crashed writer)
// are skipped rather than failing the whole read.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return records, nil
}

// Tail returns the last n records, oldest first.
func Tail(path string, n int) ([]Record, error) {
	records, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(records) {
		return records, nil
	}
	return records[len(records)-n:], nil
}

// Stats summarizes a ledger file for reporting.
type Stats struct {
	Total   int            `json:"total"`
	ByKind  map[string]int `json:"by_kind"`
	OKCount int            `json:"ok_count"`
	Failed  int            `json:"failed_count"`
	FirstTS string         `json:"first_ts,omitempty"`
	LastTS  string         `json:"last_ts,omitempty"`
}

// ComputeStats scans the ledger once and aggregates counts per kind.
// A record counts toward OK/Failed only when it carries an ok field.
func ComputeStats(path string) (Stats, error) {
	stats := Stats{ByKind: make(map[string]int)}

	records, err := ReadAll(path)
	if err != nil {
		return stats, err
	}

	for _, rec := range records {
		stats.Total++
		stats.ByKind[rec.Kind]++
		if v, present := rec.Fields["ok"]; present {
			if ok, _ := v.(bool); ok {
				stats.OKCount++
			} else {
				stats.Failed++
			}
		}
		if stats.FirstTS == "" {
			stats.FirstTS = rec.TS
		}
		stats.LastTS = rec.TS
	}
	return stats, nil
}
