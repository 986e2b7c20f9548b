package cache

import (
	"context"
	"database/sql"
	"fmt"
)

// Board types.
const (
	BoardManagedServices      = "managed-services"
	BoardProfessionalServices = "professional-services"
)

// UnassignedBoardID is the board synthesized for tickets when no board is known.
const UnassignedBoardID int64 = 0

// Board is a cached service board.
type Board struct {
	ID          int64
	Name        string
	Type        string
	Inactive    bool
	Placeholder bool
}

// UpsertBoard inserts or updates a board fetched from the remote.
func (db *DB) UpsertBoard(ctx context.Context, b Board) error {
	query := `
		INSERT INTO boards (id, name, board_type, inactive, placeholder)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			board_type = excluded.board_type,
			inactive = excluded.inactive,
			placeholder = 0
	`
	if _, err := db.conn.ExecContext(ctx, query, b.ID, b.Name, b.Type, boolInt(b.Inactive)); err != nil {
		return fmt.Errorf("failed to upsert board %d: %w", b.ID, err)
	}
	return nil
}

// EnsureBoard creates a placeholder board unless one with the same id exists.
// An existing row is left untouched.
func (db *DB) EnsureBoard(ctx context.Context, b Board) error {
	query := `
		INSERT INTO boards (id, name, board_type, inactive, placeholder)
		VALUES (?, ?, ?, 0, 1)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := db.conn.ExecContext(ctx, query, b.ID, b.Name, b.Type); err != nil {
		return fmt.Errorf("failed to ensure board %d: %w", b.ID, err)
	}
	return nil
}

// DefaultBoardID returns a board id that placeholder tickets can point at:
// the lowest known board id, or a synthesized "Unassigned" board when the
// table is empty.
func (db *DB) DefaultBoardID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := db.conn.QueryRowContext(ctx, "SELECT MIN(id) FROM boards").Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to query boards: %w", err)
	}
	if id.Valid {
		return id.Int64, nil
	}

	err := db.EnsureBoard(ctx, Board{ID: UnassignedBoardID, Name: "Unassigned", Type: BoardProfessionalServices})
	if err != nil {
		return 0, err
	}
	return UnassignedBoardID, nil
}

// GetBoard retrieves a board by id. It returns nil if not found.
func (db *DB) GetBoard(ctx context.Context, id int64) (*Board, error) {
	var b Board
	var inactive, placeholder int
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, name, board_type, inactive, placeholder FROM boards WHERE id = ?
	`, id).Scan(&b.ID, &b.Name, &b.Type, &inactive, &placeholder)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan board: %w", err)
	}
	b.Inactive = inactive == 1
	b.Placeholder = placeholder == 1
	return &b, nil
}

// CountBoards returns the number of cached boards.
func (db *DB) CountBoards(ctx context.Context) (int, error) {
	return db.count(ctx, "boards")
}
