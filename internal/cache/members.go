package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Member is a cached engineer.
type Member struct {
	ID          int64
	Identifier  string
	FirstName   string
	LastName    string
	Email       string
	Inactive    bool
	LastUpdated *time.Time
}

// UpsertMember inserts or updates a member. Members are never deleted.
func (db *DB) UpsertMember(ctx context.Context, m Member) error {
	query := `
		INSERT INTO members (id, identifier, first_name, last_name, email, inactive, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			identifier = excluded.identifier,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email,
			inactive = excluded.inactive,
			last_updated = excluded.last_updated
	`

	_, err := db.conn.ExecContext(ctx, query,
		m.ID,
		m.Identifier,
		nullString(m.FirstName),
		nullString(m.LastName),
		nullString(m.Email),
		boolInt(m.Inactive),
		nullTime(m.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert member %d: %w", m.ID, err)
	}
	return nil
}

// GetMember retrieves a member by id. It returns nil if not found.
func (db *DB) GetMember(ctx context.Context, id int64) (*Member, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, identifier, first_name, last_name, email, inactive, last_updated
		FROM members WHERE id = ?
	`, id)
	return scanMember(row)
}

// ListMembers returns every cached member ordered by identifier.
func (db *DB) ListMembers(ctx context.Context) ([]Member, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, identifier, first_name, last_name, email, inactive, last_updated
		FROM members ORDER BY identifier COLLATE NOCASE ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return members, nil
}

// CountMembers returns the number of cached members.
func (db *DB) CountMembers(ctx context.Context) (int, error) {
	return db.count(ctx, "members")
}

func scanMember(s scanner) (*Member, error) {
	var m Member
	var first, last, email, updated sql.NullString
	var inactive int

	err := s.Scan(&m.ID, &m.Identifier, &first, &last, &email, &inactive, &updated)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan member: %w", err)
	}

	m.FirstName = first.String
	m.LastName = last.String
	m.Email = email.String
	m.Inactive = inactive == 1
	if m.LastUpdated, err = timeFrom(updated); err != nil {
		return nil, err
	}
	return &m, nil
}
