// Package types provides shared domain types used across sitereport packages.
// This package exists to break import cycles between store, render and server.
// Types in this package should be plain data structures with no complex dependencies.
package types

import "time"

// Role is a user's access level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User is an account. Email is stored lower-cased.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	GoogleSub    string     `json:"-"`
	Role         Role       `json:"role"`
	Paid         bool       `json:"paid"`
	PaidUntil    *time.Time `json:"paidUntil,omitempty"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// IsAdmin reports whether the user has the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// HasPaidAccess reports whether the user may export. Admins always may.
func (u *User) HasPaidAccess(now time.Time) bool {
	if u == nil {
		return false
	}
	if u.IsAdmin() {
		return true
	}
	if !u.Paid {
		return false
	}
	return u.PaidUntil == nil || now.Before(*u.PaidUntil)
}

// ReportStatus tracks whether a report is still being edited.
type ReportStatus string

const (
	StatusDraft ReportStatus = "draft"
	StatusFinal ReportStatus = "final"
)

// Report is a user-owned document keyed by (UserID, ID) holding form
// answers and a signature image.
type Report struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Title     string       `json:"title"`
	Status    ReportStatus `json:"status"`
	Form      FormData     `json:"form"`
	Signature string       `json:"signature,omitempty"` // data URL or https URL
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Photo is one attachment in a section photo bucket.
type Photo struct {
	ID        string     `json:"id"`
	ReportID  string     `json:"reportId"`
	UserID    string     `json:"userId"`
	Section   Section    `json:"section"`
	URL       string     `json:"url"`
	PublicID  string     `json:"publicId,omitempty"`
	Caption   string     `json:"caption"`
	Lat       *float64   `json:"lat,omitempty"`
	Lng       *float64   `json:"lng,omitempty"`
	TakenAt   *time.Time `json:"takenAt,omitempty"`
	Flagged   bool       `json:"flagged"`
	Position  int        `json:"position"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// PhotoBuckets maps a section to its photos in display order.
type PhotoBuckets map[Section][]Photo

// Flagged returns every flagged photo in section order.
func (b PhotoBuckets) Flagged() []Photo {
	var out []Photo
	for _, s := range Sections {
		for _, p := range b[s] {
			if p.Flagged {
				out = append(out, p)
			}
		}
	}
	return out
}

// Count returns the total number of photos across buckets.
func (b PhotoBuckets) Count() int {
	n := 0
	for _, ps := range b {
		n += len(ps)
	}
	return n
}

// PaymentStatus is the lifecycle state of a Razorpay order.
type PaymentStatus string

const (
	PaymentCreated PaymentStatus = "created"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// Payment records one Razorpay order and its outcome.
type Payment struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	OrderID   string        `json:"orderId"`
	PaymentID string        `json:"paymentId,omitempty"`
	Amount    int64         `json:"amount"`
	Currency  string        `json:"currency"`
	Status    PaymentStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Session is a login session addressed by an opaque token.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stats are the admin dashboard counters.
type Stats struct {
	Users        int              `json:"users"`
	PaidUsers    int              `json:"paidUsers"`
	Admins       int              `json:"admins"`
	Reports      int              `json:"reports"`
	FinalReports int              `json:"finalReports"`
	Photos       int              `json:"photos"`
	Revenue      map[string]int64 `json:"revenue"` // by currency, smallest unit
}
