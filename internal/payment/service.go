package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitereport/internal/config"
	"sitereport/internal/logging"
	"sitereport/internal/store"
	"sitereport/internal/types"
)

var (
	ErrSignatureMismatch = errors.New("payment signature mismatch")
	ErrDisabled          = errors.New("payments are not configured")
	ErrOrderNotOwned     = errors.New("order does not belong to user")
)

// Store is the persistence the payment service needs.
type Store interface {
	GetUser(id string) (*types.User, error)
	SetPaid(id string, paid bool, until *time.Time) error
	CreatePayment(p *types.Payment) error
	GetPaymentByOrder(orderID string) (*types.Payment, error)
	MarkPaymentPaid(orderID, paymentID string) (bool, error)
	MarkPaymentFailed(orderID, paymentID string) error
	ListPayments(userID string) ([]types.Payment, error)
}

// Receipts is notified once per newly paid order.
type Receipts interface {
	SendReceipt(ctx context.Context, u *types.User, p *types.Payment) error
}

// Checkout is what the client needs to open the Razorpay widget.
type Checkout struct {
	KeyID     string `json:"keyId"`
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	PaymentID string `json:"paymentId"`
	Name      string `json:"name"`
	Email     string `json:"email"`
}

// Service creates orders and grants paid access on verified payments.
type Service struct {
	client   *Client
	store    Store
	cfg      config.PaymentsConfig
	receipts Receipts
	now      func() time.Time
}

// NewService builds the payment service. receipts may be nil.
func NewService(st Store, cfg config.PaymentsConfig, receipts Receipts) *Service {
	return &Service{
		client:   NewClient(cfg),
		store:    st,
		cfg:      cfg,
		receipts: receipts,
		now:      time.Now,
	}
}

// Enabled reports whether gateway keys are configured.
func (s *Service) Enabled() bool { return s.cfg.Enabled() }

// CreateOrder opens a gateway order for the plan price and records it.
func (s *Service) CreateOrder(ctx context.Context, u *types.User) (*Checkout, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	paymentID := store.NewPaymentID()
	order, err := s.client.CreateOrder(ctx, s.cfg.Amount, s.cfg.Currency, paymentID, map[string]string{
		"user_id": u.ID,
		"email":   u.Email,
	})
	if err != nil {
		logging.PaymentsWarn("Order creation failed for %s: %v", u.ID, err)
		return nil, err
	}

	p := &types.Payment{
		ID:       paymentID,
		UserID:   u.ID,
		OrderID:  order.ID,
		Amount:   order.Amount,
		Currency: order.Currency,
		Status:   types.PaymentCreated,
	}
	if err := s.store.CreatePayment(p); err != nil {
		return nil, err
	}
	logging.Payments("Created order %s for user %s (%d %s)", order.ID, u.ID, order.Amount, order.Currency)

	return &Checkout{
		KeyID:     s.client.KeyID(),
		OrderID:   order.ID,
		Amount:    order.Amount,
		Currency:  order.Currency,
		PaymentID: p.ID,
		Name:      u.Name,
		Email:     u.Email,
	}, nil
}

// Verify checks the checkout signature for an order owned by userID. On
// success the order is marked paid and the user gains paid access; on
// mismatch the order is marked failed and ErrSignatureMismatch is returned.
func (s *Service) Verify(ctx context.Context, userID, orderID, paymentID, signature string) (*types.Payment, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	p, err := s.store.GetPaymentByOrder(orderID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrOrderNotOwned
	}

	if !VerifySignature(s.cfg.KeySecret, CheckoutPayload(orderID, paymentID), signature) {
		if err := s.store.MarkPaymentFailed(orderID, paymentID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logging.PaymentsWarn("Could not mark order %s failed: %v", orderID, err)
		}
		logging.PaymentsWarn("Signature mismatch for order %s", orderID)
		logging.Audit().Event(logging.AuditPaymentReject, userID, orderID, ErrSignatureMismatch)
		return nil, ErrSignatureMismatch
	}

	return s.settle(ctx, p, paymentID)
}

// settle marks an order paid and extends the owner's plan once.
func (s *Service) settle(ctx context.Context, p *types.Payment, paymentID string) (*types.Payment, error) {
	changed, err := s.store.MarkPaymentPaid(p.OrderID, paymentID)
	if err != nil {
		return nil, err
	}
	p.Status = types.PaymentPaid
	if paymentID != "" {
		p.PaymentID = paymentID
	}
	if !changed {
		logging.Payments("Order %s already settled", p.OrderID)
		return p, nil
	}

	u, err := s.store.GetUser(p.UserID)
	if err != nil {
		return nil, err
	}
	until := s.PaidUntil(u)
	if err := s.store.SetPaid(u.ID, true, until); err != nil {
		return nil, err
	}
	u.Paid, u.PaidUntil = true, until

	logging.Payments("Order %s paid by user %s", p.OrderID, u.ID)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditPaymentVerify,
		UserID:    u.ID,
		Target:    p.OrderID,
		Success:   true,
		Fields:    map[string]interface{}{"amount": p.Amount, "currency": p.Currency},
	})

	if s.receipts != nil {
		if err := s.receipts.SendReceipt(ctx, u, p); err != nil {
			logging.PaymentsWarn("Receipt for %s not sent: %v", p.OrderID, err)
		}
	}
	return p, nil
}

// PaidUntil computes the plan expiry for a new purchase. A zero plan
// duration means access never expires; an unexpired plan is extended.
func (s *Service) PaidUntil(u *types.User) *time.Time {
	d := s.cfg.GetPlanDuration()
	if d <= 0 {
		return nil
	}
	start := s.now()
	if u.Paid && u.PaidUntil != nil && u.PaidUntil.After(start) {
		start = *u.PaidUntil
	}
	until := start.Add(d)
	return &until
}

type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

// HandleWebhook verifies and applies a gateway webhook. Unknown events and
// unknown orders are acknowledged without action.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if s.cfg.WebhookSecret == "" {
		return ErrDisabled
	}
	if !VerifySignature(s.cfg.WebhookSecret, body, signature) {
		logging.PaymentsWarn("Webhook signature mismatch")
		return ErrSignatureMismatch
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("invalid webhook body: %w", err)
	}

	orderID := ev.Payload.Payment.Entity.OrderID
	if orderID == "" {
		orderID = ev.Payload.Order.Entity.ID
	}
	paymentID := ev.Payload.Payment.Entity.ID

	switch ev.Event {
	case "payment.captured", "order.paid":
	case "payment.failed":
		if orderID != "" {
			if err := s.store.MarkPaymentFailed(orderID, paymentID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return nil
	default:
		logging.Payments("Ignoring webhook event %s", ev.Event)
		return nil
	}

	if orderID == "" {
		return fmt.Errorf("webhook %s without order id", ev.Event)
	}
	p, err := s.store.GetPaymentByOrder(orderID)
	if errors.Is(err, store.ErrNotFound) {
		logging.PaymentsWarn("Webhook for unknown order %s", orderID)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.settle(ctx, p, paymentID)
	return err
}

// List returns a user's payments.
func (s *Service) List(userID string) ([]types.Payment, error) {
	return s.store.ListPayments(userID)
}
