// Package history persists published analysis results in SQLite so that
// past cycles survive restarts.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/menta2k/scene-analyzer/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sighting is one recognized face in a recorded result
type Sighting struct {
	ResultID   string    `json:"result_id"`
	IdentityID string    `json:"identity_id"`
	Confidence float64   `json:"confidence"`
	SeenAt     time.Time `json:"seen_at"`
}

// Store records results in a SQLite database
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for a throwaway store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA foreign_keys = ON`, `PRAGMA busy_timeout = 5000`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("history: create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("history: create migrate instance: %w", err)
	}
	// Not closing m: that would close the shared *sql.DB
	m.Log = &migrateLogger{logger: s.logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version
func (s *Store) Version() (uint, error) {
	var version uint
	err := s.db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("history: read schema version: %w", err)
	}
	return version, nil
}

// Record stores a result and the identities recognized in it. Recording the
// same result id twice replaces the earlier row.
func (s *Store) Record(ctx context.Context, result types.AnalysisResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("history: encode result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO analysis_results (
			result_id, source_image_id, started_at_ns, completed_at_ns,
			label_count, face_count, failure_count, fully_failed, render_error, result_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID,
		result.SourceImageID,
		result.StartedAt.UnixNano(),
		result.CompletedAt.UnixNano(),
		len(result.Labels),
		len(result.Faces),
		len(result.PartialFailures),
		result.FullyFailed,
		result.RenderError,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("history: insert result: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM identity_sightings WHERE result_id = ?`, result.ID); err != nil {
		return fmt.Errorf("history: clear sightings: %w", err)
	}
	for _, f := range result.Faces {
		if f.Identity == nil || f.Identity.ID == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identity_sightings (result_id, identity_id, confidence, completed_at_ns)
			VALUES (?, ?, ?, ?)`,
			result.ID, f.Identity.ID, f.Identity.Confidence, result.CompletedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("history: insert sighting: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// Recent returns up to n results, newest first
func (s *Store) Recent(ctx context.Context, n int) ([]types.AnalysisResult, error) {
	if n <= 0 {
		return []types.AnalysisResult{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT result_json FROM analysis_results
		ORDER BY completed_at_ns DESC, rowid DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	results := []types.AnalysisResult{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		var r types.AnalysisResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("history: decode result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Sightings returns up to n sightings of an identity, newest first
func (s *Store) Sightings(ctx context.Context, identityID string, n int) ([]Sighting, error) {
	if n <= 0 {
		return []Sighting{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT result_id, identity_id, confidence, completed_at_ns
		FROM identity_sightings
		WHERE identity_id = ?
		ORDER BY completed_at_ns DESC, rowid DESC
		LIMIT ?`, identityID, n)
	if err != nil {
		return nil, fmt.Errorf("history: query sightings: %w", err)
	}
	defer rows.Close()

	sightings := []Sighting{}
	for rows.Next() {
		var (
			sg     Sighting
			seenNs int64
		)
		if err := rows.Scan(&sg.ResultID, &sg.IdentityID, &sg.Confidence, &seenNs); err != nil {
			return nil, fmt.Errorf("history: scan sighting: %w", err)
		}
		sg.SeenAt = time.Unix(0, seenNs).UTC()
		sightings = append(sightings, sg)
	}
	return sightings, rows.Err()
}

// Count returns the number of recorded results
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("history: count: %w", err)
	}
	return n, nil
}

// Prune deletes all but the newest keep results
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM analysis_results
		WHERE result_id NOT IN (
			SELECT result_id FROM analysis_results
			ORDER BY completed_at_ns DESC, rowid DESC
			LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// migrateLogger implements migrate.Logger interface
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info("history: migrate: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
