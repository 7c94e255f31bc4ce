package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"sitereport/internal/types"
)

const paymentColumns = `id, user_id, order_id, payment_id, amount, currency, status, created_at, updated_at`

func scanPayment(row rowScanner) (*types.Payment, error) {
	var (
		p                types.Payment
		status           string
		created, updated string
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.OrderID, &p.PaymentID, &p.Amount, &p.Currency, &status,
		&created, &updated); err != nil {
		return nil, err
	}
	p.Status = types.PaymentStatus(status)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// NewPaymentID allocates a payment ID ahead of order creation; it doubles as
// the order receipt.
func NewPaymentID() string {
	return uuid.NewString()
}

// CreatePayment records an order in the created state.
func (s *Store) CreatePayment(p *types.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = NewPaymentID()
	}
	if p.Status == "" {
		p.Status = types.PaymentCreated
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.Exec(`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.OrderID, p.PaymentID, p.Amount, p.Currency, string(p.Status), fmtTime(now), fmtTime(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("order %s: %w", p.OrderID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPaymentByOrder loads a payment by its gateway order ID.
func (s *Store) GetPaymentByOrder(orderID string) (*types.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanPayment(s.db.QueryRow("SELECT "+paymentColumns+" FROM payments WHERE order_id = ?", orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return p, nil
}

// MarkPaymentPaid moves an order to paid. It reports false when the order
// was already paid so callers can treat repeats as no-ops.
func (s *Store) MarkPaymentPaid(orderID, paymentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE payments SET status = ?, payment_id = ?, updated_at = ?
		WHERE order_id = ? AND status != ?`,
		string(types.PaymentPaid), paymentID, fmtTime(s.now()), orderID, string(types.PaymentPaid))
	if err != nil {
		return false, fmt.Errorf("failed to mark payment paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM payments WHERE order_id = ?", orderID).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// MarkPaymentFailed records a failed verification. Paid orders stay paid.
func (s *Store) MarkPaymentFailed(orderID, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE payments SET status = ?, payment_id = ?, updated_at = ?
		WHERE order_id = ? AND status = ?`,
		string(types.PaymentFailed), paymentID, fmtTime(s.now()), orderID, string(types.PaymentCreated))
	if err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	return requireAffected(res)
}

// ListPayments returns a user's payments, newest first. An empty userID lists all.
func (s *Store) ListPayments(userID string) ([]types.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + paymentColumns + " FROM payments"
	var args []interface{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	rows, err := s.db.Query(query+" ORDER BY created_at DESC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []types.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
