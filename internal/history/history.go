// Package history mirrors finished runs into SQLite for querying. The CSV
// log remains the canonical record; this store exists for the history and
// stats commands, and losing it never fails a run.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/avyuzhakov-jpg/internet-spd-test/internal/logstore"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const opTimeout = 5 * time.Second

// Run is one mirrored run row.
type Run struct {
	At             time.Time
	DownloadMbps   float64
	UploadMbps     float64
	PingMs         float64
	JitterMs       float64
	NetworkType    string
	LocationStatus string
	TestSizeMB     int
	ServerBaseURL  string
	ErrorMessage   string
}

// DailyStats aggregates the successful runs of the last 24 hours.
type DailyStats struct {
	TestCount   int
	AvgDownload float64
	MinDownload float64
	MaxDownload float64
	AvgUpload   float64
	MinUpload   float64
	MaxUpload   float64
	AvgPing     float64
	MinPing     float64
	MaxPing     float64
	FirstRun    time.Time
	LastRun     time.Time
}

type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func Open(path string, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history: path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun mirrors a finished run. Implements the runner's record sink;
// errors are logged, never propagated into the run outcome.
func (s *Store) RecordRun(rec logstore.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, download_mbps, upload_mbps, ping_ms, jitter_ms,
		                  network_type, location_status, test_size_mb, server_base_url, error_message)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.Timestamp.Format(time.RFC3339Nano),
		rec.DownloadMbps, rec.UploadMbps, rec.PingMs, rec.JitterMs,
		rec.NetworkType, rec.LocationStatus, rec.TestSizeMB, rec.ServerBaseURL, rec.ErrorMessage,
	)
	if err != nil {
		s.log.Error().Err(err).Msg("history insert failed")
	}
}

// Recent returns up to n runs, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, download_mbps, upload_mbps, ping_ms, jitter_ms,
		        network_type, location_status, test_size_mb, server_base_url, error_message
		 FROM runs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var at string
		if err := rows.Scan(&at, &r.DownloadMbps, &r.UploadMbps, &r.PingMs, &r.JitterMs,
			&r.NetworkType, &r.LocationStatus, &r.TestSizeMB, &r.ServerBaseURL, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Daily aggregates the successful runs of the last 24 hours. A nil result
// with nil error means there is nothing to report.
func (s *Store) Daily(ctx context.Context) (*DailyStats, error) {
	since := time.Now().Add(-24 * time.Hour).Format(time.RFC3339Nano)

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(AVG(download_mbps), 0), COALESCE(MIN(download_mbps), 0), COALESCE(MAX(download_mbps), 0),
		        COALESCE(AVG(upload_mbps), 0), COALESCE(MIN(upload_mbps), 0), COALESCE(MAX(upload_mbps), 0),
		        COALESCE(AVG(ping_ms), 0), COALESCE(MIN(ping_ms), 0), COALESCE(MAX(ping_ms), 0),
		        COALESCE(MIN(at), ''), COALESCE(MAX(at), '')
		 FROM runs WHERE error_message = '' AND at >= ?`, since)

	var st DailyStats
	var first, last string
	if err := row.Scan(&st.TestCount,
		&st.AvgDownload, &st.MinDownload, &st.MaxDownload,
		&st.AvgUpload, &st.MinUpload, &st.MaxUpload,
		&st.AvgPing, &st.MinPing, &st.MaxPing,
		&first, &last); err != nil {
		return nil, err
	}
	if st.TestCount == 0 {
		return nil, nil
	}
	st.FirstRun, _ = time.Parse(time.RFC3339Nano, first)
	st.LastRun, _ = time.Parse(time.RFC3339Nano, last)
	return &st, nil
}
