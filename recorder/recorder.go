// Package recorder persists a bounded number of forwarded telemetry records
// per tracker model to SQLite for offline analysis without slowing the live
// pipeline.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	jsoniter "github.com/json-iterator/go"

	"aprsgw/upload"

	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UnknownModel groups records whose comment matched no decoder.
const UnknownModel = "UNKNOWN"

// Recorder persists a limited number of records per model into SQLite.
type Recorder struct {
	db             *sql.DB
	perModelLimit  int
	mu             sync.Mutex
	perModelCounts map[string]int
	inflight       sync.WaitGroup
}

// NewRecorder opens (or creates) the SQLite database at path and ensures the
// schema exists. A database that fails its integrity check is moved aside
// and replaced with a fresh file.
func NewRecorder(path string, perModelLimit int) (*Recorder, error) {
	if perModelLimit <= 0 {
		return nil, errors.New("recorder: per-model limit must be > 0")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("recorder: ensure dir: %w", err)
	}
	if _, err := Preflight(path, 2*time.Second); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: schema: %w", err)
	}
	return &Recorder{
		db:             db,
		perModelLimit:  perModelLimit,
		perModelCounts: make(map[string]int),
	}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS telemetry_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT,
    payload_callsign TEXT,
    uploader_callsign TEXT,
    tocall TEXT,
    datetime INTEGER,
    time_received INTEGER,
    lat REAL,
    lon REAL,
    alt REAL,
    comment TEXT,
    raw TEXT,
    fields TEXT
);
CREATE INDEX IF NOT EXISTS telemetry_records_payload ON telemetry_records(payload_callsign);`
	_, err := db.Exec(schema)
	return err
}

// Close waits for pending inserts and closes the underlying database.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	r.inflight.Wait()
	return r.db.Close()
}

// Record inserts the record if the per-model limit has not been reached.
// Safe to call on a nil Recorder.
func (r *Recorder) Record(t upload.Telemetry) {
	if r == nil || r.db == nil {
		return
	}
	model := modelOf(t)

	r.mu.Lock()
	count := r.perModelCounts[model]
	if count >= r.perModelLimit {
		r.mu.Unlock()
		return
	}
	r.perModelCounts[model] = count + 1
	r.inflight.Add(1)
	r.mu.Unlock()

	go r.insert(model, t)
}

func (r *Recorder) insert(model string, t upload.Telemetry) {
	defer r.inflight.Done()
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		log.Error("recorder: cannot encode fields", "payload", t.PayloadCallsign, "err", err)
		return
	}
	var comment sql.NullString
	if t.Comment != nil {
		comment = sql.NullString{String: *t.Comment, Valid: true}
	}
	_, err = r.db.Exec(`
INSERT INTO telemetry_records (
    model, payload_callsign, uploader_callsign, tocall, datetime, time_received,
    lat, lon, alt, comment, raw, fields
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model,
		t.PayloadCallsign,
		t.UploaderCallsign,
		t.Tocall,
		t.Datetime.UTC().UnixMicro(),
		t.TimeReceived.UTC().UnixMicro(),
		t.Lat,
		t.Lon,
		t.Alt,
		comment,
		t.Raw,
		string(fields),
	)
	if err != nil {
		log.Error("recorder: failed to insert record", "payload", t.PayloadCallsign, "err", err)
	}
}

// Counts returns the number of stored records per model.
func (r *Recorder) Counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	if r == nil || r.db == nil {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT model, COUNT(*) FROM telemetry_records GROUP BY model`)
	if err != nil {
		return nil, fmt.Errorf("recorder: count: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, fmt.Errorf("recorder: count: %w", err)
		}
		out[model] = n
	}
	return out, rows.Err()
}

func modelOf(t upload.Telemetry) string {
	model, _ := t.Fields["model"].(string)
	model = strings.TrimSpace(model)
	if model == "" {
		return UnknownModel
	}
	return model
}
