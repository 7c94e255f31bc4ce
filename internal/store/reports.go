package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitereport/internal/logging"
	"sitereport/internal/types"
)

// ReportSummary is a list row: report metadata without the form body.
type ReportSummary struct {
	ID           string             `json:"id"`
	UserID       string             `json:"userId"`
	OwnerEmail   string             `json:"ownerEmail,omitempty"`
	Title        string             `json:"title"`
	ReportNumber string             `json:"reportNumber"`
	Status       types.ReportStatus `json:"status"`
	PhotoCount   int                `json:"photoCount"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// CreateReport inserts a report owned by r.UserID.
func (s *Store) CreateReport(r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.UserID == "" {
		return fmt.Errorf("report owner is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = types.StatusDraft
	}
	form, err := json.Marshal(r.Form)
	if err != nil {
		return fmt.Errorf("failed to encode form: %w", err)
	}
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now

	_, err = s.db.Exec(`INSERT INTO reports (id, user_id, title, status, form_json, signature, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Title, string(r.Status), string(form), r.Signature, fmtTime(now), fmtTime(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("report %s: %w", r.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	logging.Reports("Created report %s for user %s", r.ID, r.UserID)
	return nil
}

// GetReport loads a report owned by userID. Other owners' reports are ErrNotFound.
func (s *Store) GetReport(userID, id string) (*types.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getReport("id = ? AND user_id = ?", id, userID)
}

// GetReportAny loads a report regardless of owner. Admin and CLI use only.
func (s *Store) GetReportAny(id string) (*types.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getReport("id = ?", id)
}

func (s *Store) getReport(where string, args ...interface{}) (*types.Report, error) {
	var (
		r                types.Report
		status, form     string
		created, updated string
	)
	err := s.db.QueryRow(`SELECT id, user_id, title, status, form_json, signature, created_at, updated_at
		FROM reports WHERE `+where, args...).
		Scan(&r.ID, &r.UserID, &r.Title, &status, &form, &r.Signature, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report: %w", err)
	}
	if err := json.Unmarshal([]byte(form), &r.Form); err != nil {
		return nil, fmt.Errorf("report %s has corrupt form data: %w", r.ID, err)
	}
	r.Status = types.ReportStatus(status)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

const summarySelect = `SELECT r.id, r.user_id, COALESCE(u.email, ''), r.title,
	COALESCE(json_extract(r.form_json, '$.reportNumber'), ''), r.status,
	(SELECT COUNT(*) FROM photos p WHERE p.report_id = r.id), r.created_at, r.updated_at
	FROM reports r LEFT JOIN users u ON u.id = r.user_id`

func scanSummaries(rows *sql.Rows) ([]ReportSummary, error) {
	defer rows.Close()
	var out []ReportSummary
	for rows.Next() {
		var (
			rs               ReportSummary
			status           string
			created, updated string
		)
		if err := rows.Scan(&rs.ID, &rs.UserID, &rs.OwnerEmail, &rs.Title, &rs.ReportNumber, &status,
			&rs.PhotoCount, &created, &updated); err != nil {
			return nil, err
		}
		rs.Status = types.ReportStatus(status)
		rs.CreatedAt = parseTime(created)
		rs.UpdatedAt = parseTime(updated)
		out = append(out, rs)
	}
	return out, rows.Err()
}

// ListReports returns a user's reports, most recently updated first.
func (s *Store) ListReports(userID string) ([]ReportSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(summarySelect+" WHERE r.user_id = ? ORDER BY r.updated_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	out, err := scanSummaries(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	for i := range out {
		out[i].OwnerEmail = ""
	}
	return out, nil
}

// ListAllReports pages through every report with its owner's email.
func (s *Store) ListAllReports(limit, offset int) ([]ReportSummary, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM reports").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count reports: %w", err)
	}
	rows, err := s.db.Query(summarySelect+" ORDER BY r.updated_at DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list reports: %w", err)
	}
	out, err := scanSummaries(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list reports: %w", err)
	}
	return out, total, nil
}

// UpdateReport replaces title, status, form and signature of a report owned by userID.
func (s *Store) UpdateReport(userID string, r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	form, err := json.Marshal(r.Form)
	if err != nil {
		return fmt.Errorf("failed to encode form: %w", err)
	}
	if r.Status == "" {
		r.Status = types.StatusDraft
	}
	r.UserID = userID
	r.UpdatedAt = s.now()
	res, err := s.db.Exec(`UPDATE reports SET title = ?, status = ?, form_json = ?, signature = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		r.Title, string(r.Status), string(form), r.Signature, fmtTime(r.UpdatedAt), r.ID, userID)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	return requireAffected(res)
}

// DeleteReport removes a report owned by userID together with its photos.
// The removed photos are returned so their hosted images can be destroyed.
func (s *Store) DeleteReport(userID, id string) ([]types.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRow("SELECT user_id FROM reports WHERE id = ?", id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report: %w", err)
	}

	rows, err := tx.Query("SELECT "+photoColumns+" FROM photos WHERE report_id = ? ORDER BY section, position", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load photos: %w", err)
	}
	var removed []types.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		removed = append(removed, *p)
	}
	rows.Close()

	if _, err := tx.Exec("DELETE FROM photos WHERE report_id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to delete photos: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM reports WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to delete report: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	logging.Reports("Deleted report %s (%d photos)", id, len(removed))
	return removed, nil
}

// CountReports returns how many reports a user owns.
func (s *Store) CountReports(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM reports WHERE user_id = ?", userID).Scan(&n)
	return n, err
}
