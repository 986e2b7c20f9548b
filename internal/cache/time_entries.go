package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TimeEntry is a cached unit of logged work. TicketID and ProjectID, when
// set, must reference existing rows.
type TimeEntry struct {
	ID            int64
	MemberID      int64
	TicketID      *int64
	ProjectID     *int64
	Hours         float64
	Billable      string
	Notes         string
	InternalNotes string
	TimeStart     time.Time
	TimeEnd       *time.Time
	LastUpdated   *time.Time
}

const timeEntryColumns = `id, member_id, ticket_id, project_id, hours, billable, notes, internal_notes,
		       time_start, time_end, last_updated`

// UpsertTimeEntry inserts or updates a time entry.
func (db *DB) UpsertTimeEntry(ctx context.Context, e TimeEntry) error {
	query := `
		INSERT INTO time_entries (` + timeEntryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			member_id = excluded.member_id,
			ticket_id = excluded.ticket_id,
			project_id = excluded.project_id,
			hours = excluded.hours,
			billable = excluded.billable,
			notes = excluded.notes,
			internal_notes = excluded.internal_notes,
			time_start = excluded.time_start,
			time_end = excluded.time_end,
			last_updated = excluded.last_updated
	`

	_, err := db.conn.ExecContext(ctx, query,
		e.ID,
		e.MemberID,
		nullInt(e.TicketID),
		nullInt(e.ProjectID),
		e.Hours,
		nullString(e.Billable),
		nullString(e.Notes),
		nullString(e.InternalNotes),
		e.TimeStart.UTC().Format(timeLayout),
		nullTime(e.TimeEnd),
		nullTime(e.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert time entry %d: %w", e.ID, err)
	}
	return nil
}

// GetTimeEntry retrieves a time entry by id. It returns nil if not found.
func (db *DB) GetTimeEntry(ctx context.Context, id int64) (*TimeEntry, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+timeEntryColumns+" FROM time_entries WHERE id = ?", id)
	return scanTimeEntry(row)
}

// ListTimeEntriesForMember returns a member's entries starting in [from, to),
// ordered by start time.
func (db *DB) ListTimeEntriesForMember(ctx context.Context, memberID int64, from, to time.Time) ([]TimeEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+timeEntryColumns+`
		FROM time_entries
		WHERE member_id = ? AND time_start >= ? AND time_start < ?
		ORDER BY time_start ASC, id ASC
	`, memberID, from.UTC().Format(timeLayout), to.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query time entries: %w", err)
	}
	defer rows.Close()

	entries := []TimeEntry{}
	for rows.Next() {
		e, err := scanTimeEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}

// CountTimeEntries returns the number of cached time entries.
func (db *DB) CountTimeEntries(ctx context.Context) (int, error) {
	return db.count(ctx, "time_entries")
}

func scanTimeEntry(s scanner) (*TimeEntry, error) {
	var e TimeEntry
	var ticketID, projectID sql.NullInt64
	var billable, notes, internal, end, updated sql.NullString
	var start string

	err := s.Scan(&e.ID, &e.MemberID, &ticketID, &projectID, &e.Hours, &billable, &notes, &internal, &start, &end, &updated)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan time entry: %w", err)
	}

	e.TicketID = intFrom(ticketID)
	e.ProjectID = intFrom(projectID)
	e.Billable = billable.String
	e.Notes = notes.String
	e.InternalNotes = internal.String

	if e.TimeStart, err = time.Parse(timeLayout, start); err != nil {
		return nil, fmt.Errorf("invalid time_start %q: %w", start, err)
	}
	if e.TimeEnd, err = timeFrom(end); err != nil {
		return nil, err
	}
	if e.LastUpdated, err = timeFrom(updated); err != nil {
		return nil, err
	}
	return &e, nil
}
