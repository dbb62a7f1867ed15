// Package ledger appends and reads the NDJSON audit trail. Every
// dispatched action, session command, and run transition lands here as
// one self-contained line; the file is append-only and never rewritten.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"warden/internal/logging"
)

// Record kinds written by the executor, orchestrator, and direct
// session loop.
const (
	KindFSWrite          = "fs_write"
	KindFSAppend         = "fs_append"
	KindFSMove           = "fs_move"
	KindPromote          = "ingest_promote"
	KindPromoteGlob      = "ingest_promote_glob"
	KindContainerCmd     = "exec_container_cmd"
	KindPassthroughShell = "agent_passthrough_shell"
	KindUnknownAction    = "unknown_action"

	KindRunStart     = "run_start"
	KindQualityIssue = "quality_issue"
	KindDecision     = "collab_decision"
	KindAdaptation   = "adaptation"
	KindFixApplied   = "fix_applied"
	KindRunEnd       = "run_end"

	KindDirectStart     = "direct_start"
	KindDirectCmd       = "direct_cmd"
	KindDirectCmdResult = "direct_cmd_result"
	KindDirectLoop      = "direct_loop"
	KindDirectTimeout   = "direct_timeout"
	KindDirectDone      = "direct_done"
	KindDirectPublish   = "direct_publish"
	KindDirectEnd       = "direct_end"
)

// Record is one ledger line. Fields are flattened into the JSON object
// next to ts and kind, matching the on-disk shape consumers scan.
type Record struct {
	TS     string
	Kind   string
	Fields map[string]any
}

// MarshalJSON flattens Fields alongside ts and kind.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		if k == "ts" || k == "kind" {
			continue
		}
		flat[k] = v
	}
	flat["ts"] = r.TS
	flat["kind"] = r.Kind
	return json.Marshal(flat)
}

// UnmarshalJSON splits ts and kind back out of the flat object.
func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	if ts, ok := flat["ts"].(string); ok {
		r.TS = ts
	}
	if kind, ok := flat["kind"].(string); ok {
		r.Kind = kind
	}
	delete(flat, "ts")
	delete(flat, "kind")
	r.Fields = flat
	return nil
}

// Bool returns a boolean field, false when absent or mistyped.
func (r Record) Bool(key string) bool {
	v, _ := r.Fields[key].(bool)
	return v
}

// String returns a string field, "" when absent or mistyped.
func (r Record) String(key string) string {
	v, _ := r.Fields[key].(string)
	return v
}

// Writer serializes appends to a single ledger file. Safe for
// concurrent use; parallel chunk executors share one Writer.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewWriter opens (creating if needed) the ledger file for append.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return &Writer{file: file, path: path}, nil
}

// Path returns the ledger file path.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one record with the current UTC timestamp.
func (w *Writer) Append(kind string, fields map[string]any) error {
	return w.AppendRecord(Record{
		TS:     time.Now().UTC().Format(time.RFC3339),
		Kind:   kind,
		Fields: fields,
	})
}

// AppendRecord writes one pre-built record as a single line.
func (w *Writer) AppendRecord(rec Record) error {
	if rec.TS == "" {
		rec.TS = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode ledger record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("ledger closed")
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append ledger record: %w", err)
	}

	logging.LedgerDebug("appended kind=%s", rec.Kind)
	return nil
}

// Close closes the underlying file. Further appends fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}
