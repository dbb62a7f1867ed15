package gateway

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"warden/internal/logging"
)

// Index is a queryable SQLite view over the promotion manifest. It can
// be rebuilt from the NDJSON at any time; the manifest is the source
// of truth and the index is never consulted for promotion decisions.
type Index struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenIndex opens (creating if needed) the index database.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	ix := &Index{db: db}
	if err := ix.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("index open at %s", path)
	return ix, nil
}

func (ix *Index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS promotions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		src TEXT NOT NULL,
		dst TEXT NOT NULL UNIQUE,
		sha256 TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		actor TEXT,
		plan_id TEXT,
		tags TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_promotions_sha ON promotions(sha256);
	CREATE INDEX IF NOT EXISTS idx_promotions_plan ON promotions(plan_id);
	`
	if _, err := ix.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create index schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db.Close()
}

// Insert adds one promotion record.
func (ix *Index) Insert(rec ManifestRecord) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return insertRecord(ix.db, rec)
}

func insertRecord(execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}, rec ManifestRecord) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	_, err = execer.Exec(
		`INSERT OR IGNORE INTO promotions (ts, src, dst, sha256, bytes, actor, plan_id, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TS, rec.Src, rec.Dst, rec.SHA256, rec.Bytes, rec.Actor, rec.PlanID, string(tags),
	)
	if err != nil {
		return fmt.Errorf("failed to insert promotion: %w", err)
	}
	return nil
}

// RebuildFrom replaces the index contents with the given records,
// normally the full manifest read back from disk.
func (ix *Index) RebuildFrom(records []ManifestRecord) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rebuild: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM promotions`); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear index: %w", err)
	}
	for _, rec := range records {
		if err := insertRecord(tx, rec); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	logging.Store("index rebuilt from %d manifest records", len(records))
	return nil
}

// Count returns the number of indexed promotions.
func (ix *Index) Count() (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var n int64
	if err := ix.db.QueryRow(`SELECT COUNT(*) FROM promotions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count promotions: %w", err)
	}
	return n, nil
}

// ByPlan returns promotions recorded under a plan id, oldest first.
func (ix *Index) ByPlan(planID string) ([]ManifestRecord, error) {
	return ix.query(`SELECT ts, src, dst, sha256, bytes, actor, plan_id, tags
		FROM promotions WHERE plan_id = ? ORDER BY id`, planID)
}

// BySHA returns promotions with the given content hash.
func (ix *Index) BySHA(digest string) ([]ManifestRecord, error) {
	return ix.query(`SELECT ts, src, dst, sha256, bytes, actor, plan_id, tags
		FROM promotions WHERE sha256 = ? ORDER BY id`, digest)
}

// Query returns promotions matching the filter, oldest first. Tags are
// matched against the JSON-encoded tags column; timestamps compare
// lexically, which is chronological for the UTC RFC3339 values the
// gateway writes.
func (ix *Index) Query(f Filter) ([]ManifestRecord, error) {
	q := `SELECT ts, src, dst, sha256, bytes, actor, plan_id, tags FROM promotions`
	var conds []string
	var args []any
	if f.PlanID != "" {
		conds = append(conds, "plan_id = ?")
		args = append(args, f.PlanID)
	}
	if f.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Tag != "" {
		key, want, exact := strings.Cut(f.Tag, ":")
		pat := `%"` + key + `":%`
		if exact {
			pat = `%"` + key + `":"` + want + `"%`
		}
		conds = append(conds, "tags LIKE ?")
		args = append(args, pat)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id"
	return ix.query(q, args...)
}

func (ix *Index) query(q string, args ...any) ([]ManifestRecord, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rows, err := ix.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query promotions: %w", err)
	}
	defer rows.Close()

	var records []ManifestRecord
	for rows.Next() {
		var rec ManifestRecord
		var tags string
		if err := rows.Scan(&rec.TS, &rec.Src, &rec.Dst, &rec.SHA256, &rec.Bytes, &rec.Actor, &rec.PlanID, &tags); err != nil {
			return nil, fmt.Errorf("failed to scan promotion: %w", err)
		}
		if tags != "" && tags != "null" {
			if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
				return nil, fmt.Errorf("failed to decode tags: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
