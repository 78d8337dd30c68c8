package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// PreflightResult reports the outcome of a database preflight check.
type PreflightResult struct {
	Healthy        bool
	Quarantined    bool   // the database was renamed aside
	QuarantinePath string // main file only
	Elapsed        time.Duration
}

// Preflight runs a bounded WAL checkpoint and quick_check on an existing
// database. On failure the file and its sidecars are renamed to a
// timestamped .bad- path so the recorder can start with a fresh file. A
// missing database is healthy.
func Preflight(path string, timeout time.Duration) (PreflightResult, error) {
	res := PreflightResult{}
	if strings.TrimSpace(path) == "" {
		return res, errors.New("recorder: empty database path")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		res.Healthy = true
		return res, nil
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("recorder: preflight open: %w", err)
	}
	db.SetMaxOpenConns(1)
	checkErr := checkDatabase(ctx, db, timeout)
	db.Close()
	res.Elapsed = time.Since(start)

	if checkErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("recorder: preflight timed out after %s", timeout)
	}

	dest, err := quarantine(path, time.Now().UTC())
	if err != nil {
		return res, fmt.Errorf("recorder: quarantine failed: %w (check=%v)", err, checkErr)
	}
	res.Quarantined = true
	res.QuarantinePath = dest
	log.Warn("recorder database failed preflight, quarantined", "err", checkErr, "moved_to", dest, "elapsed", res.Elapsed)
	return res, nil
}

func checkDatabase(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func quarantine(path string, now time.Time) (string, error) {
	suffix := ".bad-" + now.Format("20060102T150405Z")
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Rename(p, p+suffix); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}
	return path + suffix, nil
}
