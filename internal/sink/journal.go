package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fixit/obdlink/internal/obd"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS readings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at          TEXT    NOT NULL,
	device_id   TEXT    NOT NULL,
	device_name TEXT    NOT NULL DEFAULT '',
	payload     TEXT    NOT NULL,
	repaired    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS readings_device ON readings (device_id, id);
`

// Journal appends every reading to a sqlite file so a diagnostic session
// can be replayed after the link is gone.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sink: mkdir %s: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink: ping journal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink: create journal schema: %w", err)
	}
	slog.Info("[SINK] journal opened", "path", path)
	return &Journal{db: db}, nil
}

func (j *Journal) Publish(ctx context.Context, r Reading) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO readings (at, device_id, device_name, payload, repaired) VALUES (?, ?, ?, ?, ?)`,
		at.UTC().Format(time.RFC3339Nano), r.DeviceID, r.DeviceName, obd.Encode(r.DiagnosticMessage), r.Repaired)
	if err != nil {
		return fmt.Errorf("sink: journal insert: %w", err)
	}
	return nil
}

// Replay returns the stored readings for deviceID in insertion order, all
// devices when deviceID is empty. limit <= 0 means no limit.
func (j *Journal) Replay(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	query := `SELECT at, device_id, device_name, payload, repaired FROM readings`
	var args []any
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sink: journal query: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var (
			at, payload string
			r           Reading
		)
		if err := rows.Scan(&at, &r.DeviceID, &r.DeviceName, &payload, &r.Repaired); err != nil {
			return nil, fmt.Errorf("sink: journal scan: %w", err)
		}
		if r.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("sink: journal timestamp %q: %w", at, err)
		}
		m, err := obd.Parse(payload)
		if err != nil {
			return nil, fmt.Errorf("sink: journal payload: %w", err)
		}
		r.Formatted = obd.Format(m)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}

var _ Sink = (*Journal)(nil)
