package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Entity types tracked by the sync ledger.
const (
	EntityMembers        = "members"
	EntityBoards         = "boards"
	EntityTickets        = "tickets"
	EntityTimeEntries    = "timeEntries"
	EntityProjects       = "projects"
	EntityProjectTickets = "projectTickets"
)

// Entities lists every ledger entity type in pipeline order.
var Entities = []string{
	EntityMembers,
	EntityBoards,
	EntityTimeEntries,
	EntityProjects,
	EntityTickets,
	EntityProjectTickets,
}

// Ledger statuses.
const (
	SyncSuccess = "success"
	SyncPartial = "partial"
	SyncFailure = "failure"
)

// SyncLog is one ledger row. LastSyncAt is the last successful sync and
// survives later failures; LastAttemptAt moves on every write.
type SyncLog struct {
	EntityType    string
	LastSyncAt    *time.Time
	Status        string
	ErrorMessage  string
	RecordCount   *int64
	LastAttemptAt time.Time
	RunID         string
}

// RecordSyncSuccess marks entity as successfully synced at the given time.
func (db *DB) RecordSyncSuccess(ctx context.Context, entity string, count int, runID string, at time.Time) error {
	stamp := at.UTC().Format(timeLayout)
	query := `
		INSERT INTO sync_log (entity_type, last_sync_at, status, error_message, record_count, last_attempt_at, run_id)
		VALUES (?, ?, ?, NULL, ?, ?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			status = excluded.status,
			error_message = NULL,
			record_count = excluded.record_count,
			last_attempt_at = excluded.last_attempt_at,
			run_id = excluded.run_id
	`
	if _, err := db.conn.ExecContext(ctx, query, entity, stamp, SyncSuccess, count, stamp, nullString(runID)); err != nil {
		return fmt.Errorf("failed to record sync success for %s: %w", entity, err)
	}
	return nil
}

// RecordSyncPartial marks an attempt that stored only part of the remote
// data because some pages or chunks could not be fetched. Like a failure it
// keeps the last successful sync time, so the next incremental run starts
// from before the records that were lost.
func (db *DB) RecordSyncPartial(ctx context.Context, entity string, count int, message, runID string, at time.Time) error {
	stamp := at.UTC().Format(timeLayout)
	query := `
		INSERT INTO sync_log (entity_type, last_sync_at, status, error_message, record_count, last_attempt_at, run_id)
		VALUES (?, NULL, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			record_count = excluded.record_count,
			last_attempt_at = excluded.last_attempt_at,
			run_id = excluded.run_id
	`
	if _, err := db.conn.ExecContext(ctx, query, entity, SyncPartial, nullString(message), count, stamp, nullString(runID)); err != nil {
		return fmt.Errorf("failed to record partial sync for %s: %w", entity, err)
	}
	return nil
}

// RecordSyncFailure marks entity's latest attempt as failed. The last
// successful sync time is kept so the staleness gate still sees the entity
// as unsynced since then.
func (db *DB) RecordSyncFailure(ctx context.Context, entity, message, runID string, at time.Time) error {
	stamp := at.UTC().Format(timeLayout)
	query := `
		INSERT INTO sync_log (entity_type, last_sync_at, status, error_message, record_count, last_attempt_at, run_id)
		VALUES (?, NULL, ?, ?, NULL, ?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			last_attempt_at = excluded.last_attempt_at,
			run_id = excluded.run_id
	`
	if _, err := db.conn.ExecContext(ctx, query, entity, SyncFailure, nullString(message), stamp, nullString(runID)); err != nil {
		return fmt.Errorf("failed to record sync failure for %s: %w", entity, err)
	}
	return nil
}

// GetSyncLog returns the ledger row for entity, or nil if it was never synced.
func (db *DB) GetSyncLog(ctx context.Context, entity string) (*SyncLog, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT entity_type, last_sync_at, status, error_message, record_count, last_attempt_at, run_id
		FROM sync_log WHERE entity_type = ?
	`, entity)
	return scanSyncLog(row)
}

// ListSyncLogs returns every ledger row ordered by entity type.
func (db *DB) ListSyncLogs(ctx context.Context) ([]SyncLog, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT entity_type, last_sync_at, status, error_message, record_count, last_attempt_at, run_id
		FROM sync_log ORDER BY entity_type ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	logs := []SyncLog{}
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return logs, nil
}

func scanSyncLog(s scanner) (*SyncLog, error) {
	var l SyncLog
	var lastSync, message, runID sql.NullString
	var count sql.NullInt64
	var attempt string

	err := s.Scan(&l.EntityType, &lastSync, &l.Status, &message, &count, &attempt, &runID)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan sync log: %w", err)
	}

	l.ErrorMessage = message.String
	l.RunID = runID.String
	l.RecordCount = intFrom(count)
	if l.LastSyncAt, err = timeFrom(lastSync); err != nil {
		return nil, err
	}
	if l.LastAttemptAt, err = time.Parse(timeLayout, attempt); err != nil {
		return nil, fmt.Errorf("invalid last_attempt_at %q: %w", attempt, err)
	}
	return &l, nil
}
