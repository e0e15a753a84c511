package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/toyotech/ota-client/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for update cycles
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new cycle record
func (r *Repository) Create(c *Cycle) error {
	slog.Info("database_create_cycle", "status", c.Status)

	query := `
		INSERT INTO update_cycles (version, hash, status, ciphertext_len, plaintext_len, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		c.Version, c.Hash, c.Status, c.CiphertextLen, c.PlaintextLen, c.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "status", c.Status, "error", err)
		return errors.Wrap(err, "failed to insert cycle")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	c.ID = id

	slog.Info("database_cycle_created", "cycle_id", c.ID, "status", c.Status)
	return nil
}

const cycleColumns = `id, version, hash, status, ciphertext_len, plaintext_len, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCycle(s scanner) (*Cycle, error) {
	var c Cycle
	var errorMessage sql.NullString
	if err := s.Scan(
		&c.ID, &c.Version, &c.Hash, &c.Status,
		&c.CiphertextLen, &c.PlaintextLen, &errorMessage,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ErrorMessage = errorMessage.String
	return &c, nil
}

// Get retrieves a cycle by id
func (r *Repository) Get(id int64) (*Cycle, error) {
	row := r.db.QueryRow(`SELECT `+cycleColumns+` FROM update_cycles WHERE id = ?`, id)
	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		slog.Info("database_cycle_not_found", "cycle_id", id)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "cycle_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query cycle")
	}
	return c, nil
}

// Update updates an existing cycle record
func (r *Repository) Update(c *Cycle) error {
	slog.Info("database_update_cycle", "cycle_id", c.ID, "version", c.Version, "status", c.Status)

	query := `
		UPDATE update_cycles
		SET version = ?, hash = ?, status = ?, ciphertext_len = ?, plaintext_len = ?,
		    error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		c.Version, c.Hash, c.Status, c.CiphertextLen, c.PlaintextLen, c.ErrorMessage, c.ID)
	if err != nil {
		slog.Error("database_update_failed", "cycle_id", c.ID, "error", err)
		return errors.Wrap(err, "failed to update cycle")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "cycle_id", c.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_cycle_not_found_for_update", "cycle_id", c.ID)
		return fmt.Errorf("cycle not found: id=%d", c.ID)
	}

	slog.Info("database_cycle_updated", "cycle_id", c.ID, "status", c.Status)
	return nil
}

// UpdateStatus updates only the status field
func (r *Repository) UpdateStatus(id int64, status, errorMessage string) error {
	slog.Info("database_update_status", "cycle_id", id, "status", status)

	query := `UPDATE update_cycles SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.Exec(query, status, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "cycle_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	slog.Info("database_status_updated", "cycle_id", id, "status", status)
	return nil
}

// List retrieves the most recent cycles, newest first. limit <= 0 returns all.
func (r *Repository) List(limit int) ([]*Cycle, error) {
	slog.Info("database_list_cycles", "limit", limit)

	query := `SELECT ` + cycleColumns + ` FROM update_cycles ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list cycles")
	}
	defer rows.Close()

	var cycles []*Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		cycles = append(cycles, c)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "cycle_count", len(cycles))
	return cycles, nil
}

// MarkInterrupted fails every cycle that never reached a terminal status,
// e.g. because the process stopped mid-download. It returns the number of
// cycles changed.
func (r *Repository) MarkInterrupted(reason string) (int64, error) {
	slog.Info("database_mark_interrupted")

	query := `
		UPDATE update_cycles SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status IN (?, ?, ?)
	`
	result, err := r.db.Exec(query, StatusFailed, reason, StatusChecking, StatusDownloading, StatusApplying)
	if err != nil {
		slog.Error("database_mark_interrupted_failed", "error", err)
		return 0, errors.Wrap(err, "failed to mark interrupted cycles")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	slog.Info("database_cycles_interrupted", "count", n)
	return n, nil
}
