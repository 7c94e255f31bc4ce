package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"sitereport/internal/logging"
	"sitereport/internal/types"
)

// hashToken returns the stored form of a session token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateSession stores a session for an already generated token.
func (s *Store) CreateSession(sess *types.Session) error {
	if sess.Token == "" {
		return fmt.Errorf("session token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.CreatedAt = s.now()
	_, err := s.db.Exec("INSERT INTO sessions (token_hash, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)",
		hashToken(sess.Token), sess.UserID, fmtTime(sess.ExpiresAt), fmtTime(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession resolves a token. Expired sessions are deleted and reported as ErrNotFound.
func (s *Store) GetSession(token string) (*types.Session, error) {
	s.mu.RLock()
	var userID, expires, created string
	err := s.db.QueryRow("SELECT user_id, expires_at, created_at FROM sessions WHERE token_hash = ?", hashToken(token)).
		Scan(&userID, &expires, &created)
	s.mu.RUnlock()

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess := &types.Session{Token: token, UserID: userID, ExpiresAt: parseTime(expires), CreatedAt: parseTime(created)}
	if !s.now().Before(sess.ExpiresAt) {
		_ = s.DeleteSession(token)
		return nil, ErrNotFound
	}
	return sess, nil
}

// DeleteSession removes a session. Unknown tokens are not an error.
func (s *Store) DeleteSession(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE token_hash = ?", hashToken(token))
	return err
}

// DeleteUserSessions signs a user out everywhere.
func (s *Store) DeleteUserSessions(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE user_id = ?", userID)
	return err
}

// PurgeExpiredSessions deletes every session past its expiry and returns how many.
func (s *Store) PurgeExpiredSessions() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM sessions WHERE expires_at <= ?", fmtTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("Purged %d expired sessions", n)
	}
	return n, nil
}

// setClock replaces the store clock. Used by tests.
func (s *Store) setClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
