package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PlaceholderSummary is the summary given to rows created only to satisfy a
// foreign key before the real record has been fetched.
const PlaceholderSummary = "Pending Sync"

// Ticket is a cached service ticket.
type Ticket struct {
	ID           int64
	Summary      string
	BoardID      int64
	Status       string
	Company      string
	Type         string
	Priority     string
	Owner        string
	Resources    string
	Closed       bool
	DateEntered  *time.Time
	DateResolved *time.Time
	ClosedDate   *time.Time
	BudgetHours  *float64
	ActualHours  *float64
	LastUpdated  *time.Time
	Placeholder  bool
}

// UpsertTicket inserts or updates a ticket. The ticket's board must exist;
// callers synthesize unknown boards with EnsureBoard first.
func (db *DB) UpsertTicket(ctx context.Context, t Ticket) error {
	query := `
		INSERT INTO tickets (
			id, summary, board_id, status, company, ticket_type, priority, owner, resources,
			closed, date_entered, date_resolved, closed_date, budget_hours, actual_hours,
			last_updated, placeholder
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			summary = excluded.summary,
			board_id = excluded.board_id,
			status = excluded.status,
			company = excluded.company,
			ticket_type = excluded.ticket_type,
			priority = excluded.priority,
			owner = excluded.owner,
			resources = excluded.resources,
			closed = excluded.closed,
			date_entered = excluded.date_entered,
			date_resolved = excluded.date_resolved,
			closed_date = excluded.closed_date,
			budget_hours = excluded.budget_hours,
			actual_hours = excluded.actual_hours,
			last_updated = excluded.last_updated,
			placeholder = 0
	`

	_, err := db.conn.ExecContext(ctx, query,
		t.ID,
		t.Summary,
		t.BoardID,
		nullString(t.Status),
		nullString(t.Company),
		nullString(t.Type),
		nullString(t.Priority),
		nullString(t.Owner),
		nullString(t.Resources),
		boolInt(t.Closed),
		nullTime(t.DateEntered),
		nullTime(t.DateResolved),
		nullTime(t.ClosedDate),
		nullFloat(t.BudgetHours),
		nullFloat(t.ActualHours),
		nullTime(t.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ticket %d: %w", t.ID, err)
	}
	return nil
}

// EnsureTicketPlaceholder creates a minimal "Pending Sync" ticket with the
// given id unless the ticket already exists. Existing rows are never
// downgraded to placeholders.
func (db *DB) EnsureTicketPlaceholder(ctx context.Context, id int64) error {
	boardID, err := db.DefaultBoardID(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tickets (id, summary, board_id, placeholder)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := db.conn.ExecContext(ctx, query, id, PlaceholderSummary, boardID); err != nil {
		return fmt.Errorf("failed to create placeholder ticket %d: %w", id, err)
	}
	return nil
}

// GetTicket retrieves a ticket by id. It returns nil if not found.
func (db *DB) GetTicket(ctx context.Context, id int64) (*Ticket, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, summary, board_id, status, company, ticket_type, priority, owner, resources,
		       closed, date_entered, date_resolved, closed_date, budget_hours, actual_hours,
		       last_updated, placeholder
		FROM tickets WHERE id = ?
	`, id)
	return scanTicket(row)
}

// CountTickets returns the number of cached tickets, placeholders included.
func (db *DB) CountTickets(ctx context.Context) (int, error) {
	return db.count(ctx, "tickets")
}

// ListTicketIDs returns every cached ticket id in ascending order.
func (db *DB) ListTicketIDs(ctx context.Context) ([]int64, error) {
	return db.listIDs(ctx, "tickets")
}

// CountPlaceholderTickets returns how many tickets are still placeholders.
func (db *DB) CountPlaceholderTickets(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tickets WHERE placeholder = 1").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count placeholder tickets: %w", err)
	}
	return n, nil
}

func scanTicket(s scanner) (*Ticket, error) {
	var t Ticket
	var status, company, ttype, priority, owner, resources sql.NullString
	var entered, resolved, closedDate, updated sql.NullString
	var budget, actual sql.NullFloat64
	var closed, placeholder int

	err := s.Scan(
		&t.ID,
		&t.Summary,
		&t.BoardID,
		&status,
		&company,
		&ttype,
		&priority,
		&owner,
		&resources,
		&closed,
		&entered,
		&resolved,
		&closedDate,
		&budget,
		&actual,
		&updated,
		&placeholder,
	)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}

	// Handle nullable fields
	t.Status = status.String
	t.Company = company.String
	t.Type = ttype.String
	t.Priority = priority.String
	t.Owner = owner.String
	t.Resources = resources.String
	t.Closed = closed == 1
	t.Placeholder = placeholder == 1
	t.BudgetHours = floatFrom(budget)
	t.ActualHours = floatFrom(actual)

	if t.DateEntered, err = timeFrom(entered); err != nil {
		return nil, err
	}
	if t.DateResolved, err = timeFrom(resolved); err != nil {
		return nil, err
	}
	if t.ClosedDate, err = timeFrom(closedDate); err != nil {
		return nil, err
	}
	if t.LastUpdated, err = timeFrom(updated); err != nil {
		return nil, err
	}
	return &t, nil
}
