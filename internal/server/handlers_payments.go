package server

import (
	"fmt"
	"io"
	"net/http"

	"sitereport/internal/logging"
)

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	checkout, err := s.payments.CreateOrder(r.Context(), currentUser(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkout)
}

// verifyRequest uses the field names the Razorpay checkout handler returns.
type verifyRequest struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var in verifyRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if in.OrderID == "" || in.PaymentID == "" || in.Signature == "" {
		writeError(w, r, fmt.Errorf("%w: order id, payment id and signature are required", errBadRequest))
		return
	}
	p, err := s.payments.Verify(r.Context(), u.ID, in.OrderID, in.PaymentID, in.Signature)
	if err != nil {
		writeError(w, r, err)
		return
	}
	fresh, err := s.store.GetUser(u.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payment":    p,
		"user":       fresh,
		"paidAccess": fresh.HasPaidAccess(s.now()),
	})
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.payments.HandleWebhook(r.Context(), body, r.Header.Get("X-Razorpay-Signature")); err != nil {
		logging.PaymentsWarn("Webhook rejected: %v", err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	list, err := s.payments.List(currentUser(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": list})
}
