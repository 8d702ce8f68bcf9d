package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/finance-pipeline/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already recorded")
)

// fixed width so that text ordering matches time ordering
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// History keeps the terminal outcome of every processed query in SQLite.
type History struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the database at path. ":memory:" is allowed.
func OpenHistory(path string) (*History, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every new connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	h := &History{db: db}
	if err := h.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) initialize() error {
	_, err := h.db.Exec(`
	CREATE TABLE IF NOT EXISTS query_history (
		query_id TEXT PRIMARY KEY,
		request_id TEXT,
		query_text TEXT NOT NULL,
		topic TEXT,
		phase TEXT NOT NULL,
		failed_stage TEXT,
		error TEXT,
		response_json TEXT,
		warnings_json TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_history_finished ON query_history(finished_at DESC);`)
	if err != nil {
		return fmt.Errorf("failed to create query_history: %w", err)
	}
	// databases created before request ids were kept lack the column
	var n int
	if err := h.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('query_history') WHERE name = 'request_id'`).Scan(&n); err != nil {
		return fmt.Errorf("failed to inspect query_history: %w", err)
	}
	if n == 0 {
		if _, err := h.db.Exec(`ALTER TABLE query_history ADD COLUMN request_id TEXT`); err != nil {
			return fmt.Errorf("failed to migrate query_history: %w", err)
		}
	}
	return nil
}

func (h *History) Close() error { return h.db.Close() }

// RecordQuery stores rec. A second record with the same query id is refused
// with ErrDuplicate and the first one is kept.
func (h *History) RecordQuery(ctx context.Context, rec models.QueryRecord) error {
	var respJSON, warnJSON sql.NullString
	if rec.Response != nil {
		b, err := json.Marshal(rec.Response)
		if err != nil {
			return err
		}
		respJSON = sql.NullString{String: string(b), Valid: true}
	}
	if len(rec.Warnings) > 0 {
		b, err := json.Marshal(rec.Warnings)
		if err != nil {
			return err
		}
		warnJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := h.db.ExecContext(ctx,
		`INSERT INTO query_history
		 (query_id, request_id, query_text, topic, phase, failed_stage, error, response_json, warnings_json, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(query_id) DO NOTHING`,
		rec.QueryID, rec.RequestID, rec.Query, rec.Topic, string(rec.Phase), rec.FailedStage, rec.Error,
		respJSON, warnJSON, rec.StartedAt.UTC().Format(tsLayout), rec.FinishedAt.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("record query %s: %w", rec.QueryID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record query %s: %w", rec.QueryID, ErrDuplicate)
	}
	return nil
}

const selectColumns = `SELECT query_id, request_id, query_text, topic, phase, failed_stage, error, response_json, warnings_json, started_at, finished_at FROM query_history`

// Get returns the record for id or ErrNotFound.
func (h *History) Get(ctx context.Context, id string) (models.QueryRecord, error) {
	row := h.db.QueryRowContext(ctx, selectColumns+` WHERE query_id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueryRecord{}, fmt.Errorf("query %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// List returns the most recent records first.
func (h *History) List(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, selectColumns+` ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.QueryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (models.QueryRecord, error) {
	var (
		rec                          models.QueryRecord
		requestID, topic, failed     sql.NullString
		errText                      sql.NullString
		respJSON, warnJSON           sql.NullString
		phase, startedAt, finishedAt string
	)
	if err := s.Scan(&rec.QueryID, &requestID, &rec.Query, &topic, &phase, &failed, &errText, &respJSON, &warnJSON, &startedAt, &finishedAt); err != nil {
		return rec, err
	}
	rec.RequestID = requestID.String
	rec.Topic, rec.FailedStage, rec.Error = topic.String, failed.String, errText.String
	rec.Phase = models.Phase(phase)
	if respJSON.Valid {
		rec.Response = &models.Response{}
		if err := json.Unmarshal([]byte(respJSON.String), rec.Response); err != nil {
			return rec, fmt.Errorf("decode response of %s: %w", rec.QueryID, err)
		}
	}
	if warnJSON.Valid {
		if err := json.Unmarshal([]byte(warnJSON.String), &rec.Warnings); err != nil {
			return rec, fmt.Errorf("decode warnings of %s: %w", rec.QueryID, err)
		}
	}
	rec.StartedAt, _ = time.Parse(tsLayout, startedAt)
	rec.FinishedAt, _ = time.Parse(tsLayout, finishedAt)
	return rec, nil
}
