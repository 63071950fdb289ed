package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"signflow/auth"
)

var _ auth.Repository = (*Store)(nil)

// CreateUser inserts an owner account.
func (s *Store) CreateUser(ctx context.Context, params auth.CreateUserParams) (auth.User, error) {
	now := time.Now().UTC()
	user := auth.User{
		ID:           s.idGenerator(),
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		CreatedAt:    fromMillis(toMillis(now)),
		UpdatedAt:    fromMillis(toMillis(now)),
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (id, email, full_name, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.FullName, user.PasswordHash, toMillis(now), toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.User{}, auth.ErrDuplicateEmail
		}
		return auth.User{}, fmt.Errorf("sqlite: create user: %w", err)
	}
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.getUser(ctx, `email = ?`, email)
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (auth.User, error) {
	return s.getUser(ctx, `id = ?`, userID)
}

func (s *Store) getUser(ctx context.Context, where string, arg string) (auth.User, error) {
	var (
		user                 auth.User
		createdAt, updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, email, full_name, password_hash, created_at, updated_at FROM users WHERE `+where, arg,
	).Scan(&user.ID, &user.Email, &user.FullName, &user.PasswordHash, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.User{}, auth.ErrUserNotFound
		}
		return auth.User{}, fmt.Errorf("sqlite: get user: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return user, nil
}
