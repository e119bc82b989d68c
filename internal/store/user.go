package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/miniauth/idserver/types"
)

// UserRepository handles persistence for identity records.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `
	id,
	COALESCE(username, ''),
	COALESCE(email, ''),
	COALESCE(password_hash, ''),
	COALESCE(openid, ''),
	COALESCE(app_id, ''),
	role,
	created_at,
	COALESCE(nickname, ''),
	COALESCE(avatar_url, ''),
	gender,
	COALESCE(city, ''),
	COALESCE(province, ''),
	COALESCE(country, ''),
	COALESCE(language, ''),
	updated_at,
	updated_by`

func scanUser(row *sql.Row) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.OpenID,
		&user.AppID,
		&user.Role,
		&user.CreatedAt,
		&user.Nickname,
		&user.AvatarURL,
		&user.Gender,
		&user.City,
		&user.Province,
		&user.Country,
		&user.Language,
		&user.UpdatedAt,
		&user.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

// GetByUsername looks up a password-based account. Matching is
// case-insensitive; the stored username is already lowercase.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(username) = lower($1)`
	return scanUser(r.db.QueryRowContext(ctx, query, username))
}

// GetByUsernameEmail looks up an account where both the username and the
// email match, used to verify password-change requests.
func (r *UserRepository) GetByUsernameEmail(ctx context.Context, username, email string) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users
		WHERE lower(username) = lower($1) AND lower(email) = lower($2)`
	return scanUser(r.db.QueryRowContext(ctx, query, username, email))
}

// GetByOpenID looks up a federated account by its (openid, appId) key.
func (r *UserRepository) GetByOpenID(ctx context.Context, openid, appID string) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE openid = $1 AND app_id = $2`
	return scanUser(r.db.QueryRowContext(ctx, query, openid, appID))
}

// Create inserts a new account. A uniqueness violation on the username or
// the (openid, app_id) pair is reported as ErrConflict so callers can
// distinguish a lost creation race from a hard failure.
func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	const query = `
		INSERT INTO users (username, email, password_hash, openid, app_id, role, created_at)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		RETURNING id`
	err := r.db.QueryRowContext(
		ctx,
		query,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.OpenID,
		user.AppID,
		user.Role,
		user.CreatedAt,
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return types.User{}, ErrConflict
		}
		return types.User{}, err
	}
	return user, nil
}

// UpdatePassword replaces the stored password hash for the given account.
func (r *UserRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	const query = `UPDATE users SET password_hash = $1 WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, passwordHash, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProfile merges the non-nil patch fields into the account and stamps
// the audit columns. The set of updatable columns is fixed here; the patch
// cannot reach anything else.
func (r *UserRepository) UpdateProfile(ctx context.Context, id int64, patch types.ProfilePatch, updatedAt, updatedBy int64, appID string) error {
	assignments := []string{"updated_at = $1", "updated_by = $2", "app_id = $3"}
	args := []any{updatedAt, updatedBy, appID}

	add := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Nickname != nil {
		add("nickname", *patch.Nickname)
	}
	if patch.AvatarURL != nil {
		add("avatar_url", *patch.AvatarURL)
	}
	if patch.Gender != nil {
		add("gender", *patch.Gender)
	}
	if patch.City != nil {
		add("city", *patch.City)
	}
	if patch.Province != nil {
		add("province", *patch.Province)
	}
	if patch.Country != nil {
		add("country", *patch.Country)
	}
	if patch.Language != nil {
		add("language", *patch.Language)
	}

	args = append(args, id)
	query := fmt.Sprintf(
		"UPDATE users SET %s WHERE id = $%d",
		strings.Join(assignments, ", "),
		len(args),
	)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
