package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Directory answers the two database-backed admin questions.
type Directory interface {
	InAdminTable(ctx context.Context, userID string) (bool, error)
	ProfileIsAdmin(ctx context.Context, userID string) (bool, error)
}

type PostgresDirectory struct {
	db DB
}

func NewPostgresDirectory(db DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) InAdminTable(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := d.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM admin_users WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query admin_users: %w", err)
	}
	return exists, nil
}

func (d *PostgresDirectory) ProfileIsAdmin(ctx context.Context, userID string) (bool, error) {
	var isAdmin bool
	err := d.db.QueryRow(ctx, `SELECT is_admin FROM user_profiles WHERE user_id = $1`, userID).Scan(&isAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query user_profiles: %w", err)
	}
	return isAdmin, nil
}

// AddAdmin inserts userID into admin_users; adding an existing admin is a no-op.
func (d *PostgresDirectory) AddAdmin(ctx context.Context, userID string) error {
	_, err := d.db.Exec(ctx, `INSERT INTO admin_users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("failed to add admin: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) RemoveAdmin(ctx context.Context, userID string) error {
	tag, err := d.db.Exec(ctx, `DELETE FROM admin_users WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to remove admin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s is not in admin_users", userID)
	}
	return nil
}

// AdminTable checks the dedicated admin_users table.
type AdminTable struct{ Dir Directory }

func (AdminTable) Name() string { return "admin_table" }

func (a AdminTable) IsAdmin(ctx context.Context, id Identity) (bool, error) {
	return a.Dir.InAdminTable(ctx, id.UserID)
}

// ProfileFlag checks the is_admin flag on the user's profile.
type ProfileFlag struct{ Dir Directory }

func (ProfileFlag) Name() string { return "profile_flag" }

func (a ProfileFlag) IsAdmin(ctx context.Context, id Identity) (bool, error) {
	return a.Dir.ProfileIsAdmin(ctx, id.UserID)
}
