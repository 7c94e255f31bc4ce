package store

import (
	"fmt"

	"sitereport/internal/types"
)

// Stats returns the admin dashboard counters. Revenue sums paid orders per currency.
func (s *Store) Stats() (*types.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &types.Stats{Revenue: make(map[string]int64)}
	counts := []struct {
		dst   *int
		query string
	}{
		{&st.Users, "SELECT COUNT(*) FROM users"},
		{&st.PaidUsers, "SELECT COUNT(*) FROM users WHERE paid = 1"},
		{&st.Admins, "SELECT COUNT(*) FROM users WHERE role = 'admin'"},
		{&st.Reports, "SELECT COUNT(*) FROM reports"},
		{&st.FinalReports, "SELECT COUNT(*) FROM reports WHERE status = 'final'"},
		{&st.Photos, "SELECT COUNT(*) FROM photos"},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("stats query failed: %w", err)
		}
	}

	rows, err := s.db.Query("SELECT currency, SUM(amount) FROM payments WHERE status = 'paid' GROUP BY currency")
	if err != nil {
		return nil, fmt.Errorf("revenue query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cur string
		var sum int64
		if err := rows.Scan(&cur, &sum); err != nil {
			return nil, err
		}
		st.Revenue[cur] = sum
	}
	return st, rows.Err()
}
