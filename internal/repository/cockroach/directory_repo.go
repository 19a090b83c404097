package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatlink-backend/internal/domain"
)

// ErrNoSuchUser is returned when a user id has no directory entry
var ErrNoSuchUser = errors.New("user not found")

// DirectoryRepository answers the broker's user and group lookups from the
// users, groups and group_members tables owned by the main chat backend.
// The call core only reads them.
type DirectoryRepository struct {
	pool *pgxpool.Pool
}

// NewDirectoryRepository creates a new directory repository
func NewDirectoryRepository(pool *pgxpool.Pool) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

// GetUser retrieves a user's directory entry
func (r *DirectoryRepository) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `SELECT user_id, username, display_name FROM users WHERE user_id = $1`

	u := &domain.User{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(&u.UserID, &u.Username, &u.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSuchUser
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// UserExists reports whether the user id has a directory entry
func (r *DirectoryRepository) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return exists, nil
}

// GroupExists reports whether the group exists
func (r *DirectoryRepository) GroupExists(ctx context.Context, groupID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM groups WHERE group_id = $1)`, groupID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check group: %w", err)
	}
	return exists, nil
}

// GroupMembers retrieves all member ids of a group
func (r *DirectoryRepository) GroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM group_members WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get group members: %w", err)
	}
	defer rows.Close()

	var members []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, id)
	}
	return members, nil
}

// GroupsFor retrieves the ids of every group the user belongs to
func (r *DirectoryRepository) GroupsFor(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT group_id FROM group_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user groups: %w", err)
	}
	defer rows.Close()

	var groups []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, id)
	}
	return groups, nil
}
