package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"sitereport/internal/logging"
	"sitereport/internal/types"
)

const photoColumns = `id, report_id, user_id, section, url, public_id, caption, lat, lng, taken_at, flagged, position, width, height, created_at`

func scanPhoto(row rowScanner) (*types.Photo, error) {
	var (
		p        types.Photo
		section  string
		lat, lng sql.NullFloat64
		taken    sql.NullString
		flagged  int
		created  string
	)
	if err := row.Scan(&p.ID, &p.ReportID, &p.UserID, &section, &p.URL, &p.PublicID, &p.Caption,
		&lat, &lng, &taken, &flagged, &p.Position, &p.Width, &p.Height, &created); err != nil {
		return nil, err
	}
	p.Section = types.Section(section)
	p.Lat = floatPtr(lat)
	p.Lng = floatPtr(lng)
	p.TakenAt = timePtr(taken)
	p.Flagged = flagged != 0
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// ownsReport must be called with s.mu held.
func (s *Store) ownsReport(userID, reportID string) error {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM reports WHERE id = ? AND user_id = ?", reportID, userID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddPhoto appends a photo to the end of its section bucket. The report must
// belong to p.UserID.
func (s *Store) AddPhoto(p *types.Photo) error {
	if !p.Section.Valid() {
		return fmt.Errorf("unknown photo section %q", p.Section)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ownsReport(p.UserID, p.ReportID); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxPos sql.NullInt64
	if err := tx.QueryRow("SELECT MAX(position) FROM photos WHERE report_id = ? AND section = ?",
		p.ReportID, string(p.Section)).Scan(&maxPos); err != nil {
		return fmt.Errorf("failed to read positions: %w", err)
	}
	p.Position = 0
	if maxPos.Valid {
		p.Position = int(maxPos.Int64) + 1
	}
	p.CreatedAt = s.now()

	if _, err := tx.Exec(`INSERT INTO photos (`+photoColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ReportID, p.UserID, string(p.Section), p.URL, p.PublicID, p.Caption,
		nullFloat(p.Lat), nullFloat(p.Lng), nullTime(p.TakenAt), boolInt(p.Flagged), p.Position,
		p.Width, p.Height, fmtTime(p.CreatedAt)); err != nil {
		return fmt.Errorf("failed to add photo: %w", err)
	}
	if _, err := tx.Exec("UPDATE reports SET updated_at = ? WHERE id = ?", fmtTime(p.CreatedAt), p.ReportID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Photos("Added photo %s to %s/%s at %d", p.ID, p.ReportID, p.Section, p.Position)
	return nil
}

// ListPhotos returns a report's photos grouped by section, each bucket sorted by position.
func (s *Store) ListPhotos(userID, reportID string) (types.PhotoBuckets, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.ownsReport(userID, reportID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query("SELECT "+photoColumns+" FROM photos WHERE report_id = ? ORDER BY section, position, created_at", reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list photos: %w", err)
	}
	defer rows.Close()

	buckets := make(types.PhotoBuckets)
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		buckets[p.Section] = append(buckets[p.Section], *p)
	}
	return buckets, rows.Err()
}

// GetPhoto loads one photo of a report owned by userID.
func (s *Store) GetPhoto(userID, reportID, photoID string) (*types.Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+photoColumns+" FROM photos WHERE id = ? AND report_id = ? AND user_id = ?",
		photoID, reportID, userID)
	p, err := scanPhoto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load photo: %w", err)
	}
	return p, nil
}

// PhotoPatch carries optional photo field changes.
type PhotoPatch struct {
	Caption *string `json:"caption,omitempty"`
	Flagged *bool   `json:"flagged,omitempty"`
}

// UpdatePhoto applies a patch to a photo of a report owned by userID.
func (s *Store) UpdatePhoto(userID, reportID, photoID string, patch PhotoPatch) (*types.Photo, error) {
	p, err := s.GetPhoto(userID, reportID, photoID)
	if err != nil {
		return nil, err
	}
	if patch.Caption != nil {
		p.Caption = *patch.Caption
	}
	if patch.Flagged != nil {
		p.Flagged = *patch.Flagged
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("UPDATE photos SET caption = ?, flagged = ? WHERE id = ? AND user_id = ?",
		p.Caption, boolInt(p.Flagged), p.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update photo: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePhoto removes a photo and returns it so the caller can destroy the hosted image.
func (s *Store) DeletePhoto(userID, reportID, photoID string) (*types.Photo, error) {
	p, err := s.GetPhoto(userID, reportID, photoID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM photos WHERE id = ? AND user_id = ?", photoID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete photo: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return p, nil
}

// ReorderSection rewrites positions of a section so they follow ids. ids must
// name exactly the photos currently in the section.
func (s *Store) ReorderSection(userID, reportID string, section types.Section, ids []string) error {
	if !section.Valid() {
		return fmt.Errorf("unknown photo section %q", section)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ownsReport(userID, reportID); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT id FROM photos WHERE report_id = ? AND section = ?", reportID, string(section))
	if err != nil {
		return err
	}
	current := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		current[id] = true
	}
	rows.Close()

	if len(ids) != len(current) {
		return fmt.Errorf("reorder lists %d photos, section has %d: %w", len(ids), len(current), ErrConflict)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !current[id] || seen[id] {
			return fmt.Errorf("photo %s is not in section %s: %w", id, section, ErrConflict)
		}
		seen[id] = true
	}

	for pos, id := range ids {
		if _, err := tx.Exec("UPDATE photos SET position = ? WHERE id = ?", pos, id); err != nil {
			return fmt.Errorf("failed to reorder: %w", err)
		}
	}
	return tx.Commit()
}

// CountPhotos returns how many photos a section bucket holds.
func (s *Store) CountPhotos(reportID string, section types.Section) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM photos WHERE report_id = ? AND section = ?", reportID, string(section)).Scan(&n)
	return n, err
}
