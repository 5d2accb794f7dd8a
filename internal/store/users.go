package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type User struct {
	Username  string
	Groups    []string
	CreatedAt time.Time
}

var (
	ErrUserNotFound = errors.New("user not found")
	ErrBadPassword  = errors.New("bad password")
)

// CreateUser adds or replaces a user with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, password string, groups ...string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (username, password_hash, groups, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(username) DO UPDATE SET
				password_hash = excluded.password_hash,
				groups = excluded.groups`,
			username, string(hash), strings.Join(groups, ","), time.Now().UTC())
		return err
	})
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// Authenticate verifies a username and password pair and returns the user's
// record on success.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var hash string
	user := &User{}
	err := s.WithTx(ctx, true, func(tx *sql.Tx) error {
		var groups sql.NullString
		var created sql.NullTime
		row := tx.QueryRowContext(ctx,
			`SELECT username, password_hash, groups, created_at FROM users WHERE username = ?`,
			username)
		if err := row.Scan(&user.Username, &hash, &groups, &created); err != nil {
			if err == sql.ErrNoRows {
				return ErrUserNotFound
			}
			return err
		}
		if groups.Valid && groups.String != "" {
			user.Groups = strings.Split(groups.String, ",")
		}
		user.CreatedAt = created.Time
		return nil
	})
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrBadPassword
	}
	return user, nil
}

// EnsureAdminUser seeds the admin account on first start. Credentials come
// from PRINTD_ADMIN_USER / PRINTD_ADMIN_PASS, defaulting to admin/admin.
func (s *Store) EnsureAdminUser(ctx context.Context) error {
	username := os.Getenv("PRINTD_ADMIN_USER")
	password := os.Getenv("PRINTD_ADMIN_PASS")
	if username == "" {
		username = "admin"
	}
	if password == "" {
		password = "admin"
	}
	exists := false
	err := s.WithTx(ctx, true, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&n); err != nil {
			return err
		}
		exists = n > 0
		return nil
	})
	if err != nil || exists {
		return err
	}
	return s.CreateUser(ctx, username, password, "lpadmin")
}
