package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sitereport/internal/logging"
	"sitereport/internal/types"
)

const userColumns = `id, email, name, password_hash, google_sub, role, paid, paid_until, last_login_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*types.User, error) {
	var (
		u                  types.User
		role               string
		paid               int
		paidUntil, lastLog sql.NullString
		created, updated   string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.GoogleSub, &role, &paid,
		&paidUntil, &lastLog, &created, &updated); err != nil {
		return nil, err
	}
	u.Role = types.Role(role)
	u.Paid = paid != 0
	u.PaidUntil = timePtr(paidUntil)
	u.LastLoginAt = timePtr(lastLog)
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return &u, nil
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser inserts a user. ID, timestamps and role default when empty.
// A duplicate email or Google subject yields ErrConflict.
func (s *Store) CreateUser(u *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = types.RoleUser
	}
	u.Email = NormalizeEmail(u.Email)
	if u.Email == "" {
		return fmt.Errorf("email is required")
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := s.db.Exec(`INSERT INTO users (id, email, name, password_hash, google_sub, role, paid, paid_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.GoogleSub, string(u.Role), boolInt(u.Paid),
		nullTime(u.PaidUntil), fmtTime(now), fmtTime(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Email, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	logging.StoreDebug("Created user %s (%s)", u.ID, u.Role)
	return nil
}

func (s *Store) getUserWhere(where string, arg interface{}) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE "+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// GetUser loads a user by ID.
func (s *Store) GetUser(id string) (*types.User, error) {
	return s.getUserWhere("id = ?", id)
}

// GetUserByEmail loads a user by (case-insensitive) email.
func (s *Store) GetUserByEmail(email string) (*types.User, error) {
	return s.getUserWhere("email = ?", NormalizeEmail(email))
}

// GetUserByGoogleSub loads a user linked to a Google account subject.
func (s *Store) GetUserByGoogleSub(sub string) (*types.User, error) {
	if sub == "" {
		return nil, ErrNotFound
	}
	return s.getUserWhere("google_sub = ?", sub)
}

// UpdateUser persists name, credentials, Google link, role and paid state.
func (s *Store) UpdateUser(u *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.Email = NormalizeEmail(u.Email)
	u.UpdatedAt = s.now()
	res, err := s.db.Exec(`UPDATE users SET email = ?, name = ?, password_hash = ?, google_sub = ?,
		role = ?, paid = ?, paid_until = ?, updated_at = ? WHERE id = ?`,
		u.Email, u.Name, u.PasswordHash, u.GoogleSub, string(u.Role), boolInt(u.Paid),
		nullTime(u.PaidUntil), fmtTime(u.UpdatedAt), u.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Email, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireAffected(res)
}

// ListUsers pages through users newest first. A non-empty query filters by
// email or name substring.
func (s *Store) ListUsers(query string, limit, offset int) ([]types.User, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := "1 = 1"
	var args []interface{}
	if q := strings.TrimSpace(strings.ToLower(query)); q != "" {
		where = "(email LIKE ? OR LOWER(name) LIKE ?)"
		like := "%" + q + "%"
		args = append(args, like, like)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM users WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	rows, err := s.db.Query("SELECT "+userColumns+" FROM users WHERE "+where+
		" ORDER BY created_at DESC LIMIT ? OFFSET ?", append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, *u)
	}
	return users, total, rows.Err()
}

// SetRole changes a user's role.
func (s *Store) SetRole(id string, role types.Role) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE users SET role = ?, updated_at = ? WHERE id = ?",
		string(role), fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	return requireAffected(res)
}

// SetPaid grants or revokes paid access. until nil means no expiry.
func (s *Store) SetPaid(id string, paid bool, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !paid {
		until = nil
	}
	res, err := s.db.Exec("UPDATE users SET paid = ?, paid_until = ?, updated_at = ? WHERE id = ?",
		boolInt(paid), nullTime(until), fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to set paid: %w", err)
	}
	return requireAffected(res)
}

// TouchLogin records a successful sign-in.
func (s *Store) TouchLogin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE users SET last_login_at = ? WHERE id = ?", fmtTime(s.now()), id)
	return err
}
