package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Project is a cached project.
type Project struct {
	ID                int64
	Name              string
	Status            string
	Company           string
	ManagerIdentifier string
	ManagerName       string
	BoardName         string
	Type              string
	EstimatedStart    *time.Time
	EstimatedEnd      *time.Time
	ActualStart       *time.Time
	ActualEnd         *time.Time
	EstimatedHours    *float64
	ActualHours       *float64
	PercentComplete   *float64
	Closed            bool
	Description       string
	LastUpdated       *time.Time
	Placeholder       bool
}

// ProjectTicket is a cached project task.
type ProjectTicket struct {
	ID          int64
	ProjectID   int64
	Summary     string
	ProjectName string
	PhaseName   string
	BoardID     *int64
	BoardName   string
	Status      string
	Company     string
	Resources   string
	Closed      bool
	Priority    string
	Type        string
	WBSCode     string
	BudgetHours *float64
	ActualHours *float64
	DateEntered *time.Time
	ClosedDate  *time.Time
	LastUpdated *time.Time
}

// UpsertProject inserts or updates a project.
func (db *DB) UpsertProject(ctx context.Context, p Project) error {
	query := `
		INSERT INTO projects (
			id, name, status, company, manager_identifier, manager_name, board_name, project_type,
			estimated_start, estimated_end, actual_start, actual_end,
			estimated_hours, actual_hours, percent_complete, closed, description, last_updated, placeholder
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			company = excluded.company,
			manager_identifier = excluded.manager_identifier,
			manager_name = excluded.manager_name,
			board_name = excluded.board_name,
			project_type = excluded.project_type,
			estimated_start = excluded.estimated_start,
			estimated_end = excluded.estimated_end,
			actual_start = excluded.actual_start,
			actual_end = excluded.actual_end,
			estimated_hours = excluded.estimated_hours,
			actual_hours = excluded.actual_hours,
			percent_complete = excluded.percent_complete,
			closed = excluded.closed,
			description = excluded.description,
			last_updated = excluded.last_updated,
			placeholder = 0
	`

	_, err := db.conn.ExecContext(ctx, query,
		p.ID,
		p.Name,
		nullString(p.Status),
		nullString(p.Company),
		nullString(p.ManagerIdentifier),
		nullString(p.ManagerName),
		nullString(p.BoardName),
		nullString(p.Type),
		nullTime(p.EstimatedStart),
		nullTime(p.EstimatedEnd),
		nullTime(p.ActualStart),
		nullTime(p.ActualEnd),
		nullFloat(p.EstimatedHours),
		nullFloat(p.ActualHours),
		nullFloat(p.PercentComplete),
		boolInt(p.Closed),
		nullString(p.Description),
		nullTime(p.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project %d: %w", p.ID, err)
	}
	return nil
}

// EnsureProjectPlaceholder creates a minimal "Pending Sync" project unless
// one with the given id exists.
func (db *DB) EnsureProjectPlaceholder(ctx context.Context, id int64) error {
	query := `
		INSERT INTO projects (id, name, placeholder)
		VALUES (?, ?, 1)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := db.conn.ExecContext(ctx, query, id, PlaceholderSummary); err != nil {
		return fmt.Errorf("failed to create placeholder project %d: %w", id, err)
	}
	return nil
}

// GetProject retrieves a project by id. It returns nil if not found.
func (db *DB) GetProject(ctx context.Context, id int64) (*Project, error) {
	var p Project
	var status, company, mgrID, mgrName, board, ptype, desc sql.NullString
	var estStart, estEnd, actStart, actEnd, updated sql.NullString
	var estHours, actHours, pct sql.NullFloat64
	var closed, placeholder int

	err := db.conn.QueryRowContext(ctx, `
		SELECT id, name, status, company, manager_identifier, manager_name, board_name, project_type,
		       estimated_start, estimated_end, actual_start, actual_end,
		       estimated_hours, actual_hours, percent_complete, closed, description, last_updated, placeholder
		FROM projects WHERE id = ?
	`, id).Scan(
		&p.ID, &p.Name, &status, &company, &mgrID, &mgrName, &board, &ptype,
		&estStart, &estEnd, &actStart, &actEnd,
		&estHours, &actHours, &pct, &closed, &desc, &updated, &placeholder,
	)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	p.Status = status.String
	p.Company = company.String
	p.ManagerIdentifier = mgrID.String
	p.ManagerName = mgrName.String
	p.BoardName = board.String
	p.Type = ptype.String
	p.Description = desc.String
	p.Closed = closed == 1
	p.Placeholder = placeholder == 1
	p.EstimatedHours = floatFrom(estHours)
	p.ActualHours = floatFrom(actHours)
	p.PercentComplete = floatFrom(pct)

	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&p.EstimatedStart, estStart},
		{&p.EstimatedEnd, estEnd},
		{&p.ActualStart, actStart},
		{&p.ActualEnd, actEnd},
		{&p.LastUpdated, updated},
	} {
		if *f.dst, err = timeFrom(f.src); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// CountProjects returns the number of cached projects, placeholders included.
func (db *DB) CountProjects(ctx context.Context) (int, error) {
	return db.count(ctx, "projects")
}

// ListProjectIDs returns every cached project id in ascending order.
func (db *DB) ListProjectIDs(ctx context.Context) ([]int64, error) {
	return db.listIDs(ctx, "projects")
}

// UpsertProjectTicket inserts or updates a project task. Its project must exist.
func (db *DB) UpsertProjectTicket(ctx context.Context, t ProjectTicket) error {
	query := `
		INSERT INTO project_tickets (
			id, project_id, summary, project_name, phase_name, board_id, board_name, status, company,
			resources, closed, priority, ticket_type, wbs_code, budget_hours, actual_hours,
			date_entered, closed_date, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			summary = excluded.summary,
			project_name = excluded.project_name,
			phase_name = excluded.phase_name,
			board_id = excluded.board_id,
			board_name = excluded.board_name,
			status = excluded.status,
			company = excluded.company,
			resources = excluded.resources,
			closed = excluded.closed,
			priority = excluded.priority,
			ticket_type = excluded.ticket_type,
			wbs_code = excluded.wbs_code,
			budget_hours = excluded.budget_hours,
			actual_hours = excluded.actual_hours,
			date_entered = excluded.date_entered,
			closed_date = excluded.closed_date,
			last_updated = excluded.last_updated
	`

	_, err := db.conn.ExecContext(ctx, query,
		t.ID,
		t.ProjectID,
		t.Summary,
		nullString(t.ProjectName),
		nullString(t.PhaseName),
		nullInt(t.BoardID),
		nullString(t.BoardName),
		nullString(t.Status),
		nullString(t.Company),
		nullString(t.Resources),
		boolInt(t.Closed),
		nullString(t.Priority),
		nullString(t.Type),
		nullString(t.WBSCode),
		nullFloat(t.BudgetHours),
		nullFloat(t.ActualHours),
		nullTime(t.DateEntered),
		nullTime(t.ClosedDate),
		nullTime(t.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project ticket %d: %w", t.ID, err)
	}
	return nil
}

// GetProjectTicket retrieves a project task by id. It returns nil if not found.
func (db *DB) GetProjectTicket(ctx context.Context, id int64) (*ProjectTicket, error) {
	var t ProjectTicket
	var projName, phase, boardName, status, company, resources, priority, ttype, wbs sql.NullString
	var entered, closedDate, updated sql.NullString
	var boardID sql.NullInt64
	var budget, actual sql.NullFloat64
	var closed int

	err := db.conn.QueryRowContext(ctx, `
		SELECT id, project_id, summary, project_name, phase_name, board_id, board_name, status, company,
		       resources, closed, priority, ticket_type, wbs_code, budget_hours, actual_hours,
		       date_entered, closed_date, last_updated
		FROM project_tickets WHERE id = ?
	`, id).Scan(
		&t.ID, &t.ProjectID, &t.Summary, &projName, &phase, &boardID, &boardName, &status, &company,
		&resources, &closed, &priority, &ttype, &wbs, &budget, &actual,
		&entered, &closedDate, &updated,
	)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan project ticket: %w", err)
	}

	t.ProjectName = projName.String
	t.PhaseName = phase.String
	t.BoardID = intFrom(boardID)
	t.BoardName = boardName.String
	t.Status = status.String
	t.Company = company.String
	t.Resources = resources.String
	t.Closed = closed == 1
	t.Priority = priority.String
	t.Type = ttype.String
	t.WBSCode = wbs.String
	t.BudgetHours = floatFrom(budget)
	t.ActualHours = floatFrom(actual)
	if t.DateEntered, err = timeFrom(entered); err != nil {
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

// CountProjectTickets returns the number of cached project tasks.
func (db *DB) CountProjectTickets(ctx context.Context) (int, error) {
	return db.count(ctx, "project_tickets")
}
