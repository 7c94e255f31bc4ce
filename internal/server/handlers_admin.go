package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sitereport/internal/logging"
	"sitereport/internal/types"
)

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	users, total, err := s.store.ListUsers(strings.TrimSpace(r.URL.Query().Get("q")), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users":  users,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleAdminSetRole(w http.ResponseWriter, r *http.Request) {
	admin := currentUser(r)
	id := chi.URLParam(r, "id")
	var in struct {
		Role types.Role `json:"role"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if !in.Role.Valid() {
		writeError(w, r, fmt.Errorf("%w: unknown role %q", errBadRequest, in.Role))
		return
	}
	if id == admin.ID && in.Role != types.RoleAdmin {
		writeError(w, r, fmt.Errorf("%w: admins cannot demote themselves", errBadRequest))
		return
	}
	if _, err := s.store.GetUser(id); err != nil {
		writeError(w, r, err)
		return
	}
	err := s.store.SetRole(id, in.Role)
	logging.AuditAs(admin.ID).Log(logging.AuditEvent{
		EventType: logging.AuditRoleChange,
		UserID:    id,
		Target:    string(in.Role),
		Success:   err == nil,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.Admin("%s set role of %s to %s", admin.Email, id, in.Role)
	s.writeUser(w, r, id)
}

func (s *Server) handleAdminSetPaid(w http.ResponseWriter, r *http.Request) {
	admin := currentUser(r)
	id := chi.URLParam(r, "id")
	var in struct {
		Paid  bool       `json:"paid"`
		Until *time.Time `json:"until"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if !in.Paid {
		in.Until = nil
	}
	if _, err := s.store.GetUser(id); err != nil {
		writeError(w, r, err)
		return
	}
	err := s.store.SetPaid(id, in.Paid, in.Until)
	logging.AuditAs(admin.ID).Log(logging.AuditEvent{
		EventType: logging.AuditPaidChange,
		UserID:    id,
		Target:    fmt.Sprintf("paid=%t", in.Paid),
		Success:   err == nil,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.Admin("%s set paid=%t for %s", admin.Email, in.Paid, id)
	s.writeUser(w, r, id)
}

func (s *Server) writeUser(w http.ResponseWriter, r *http.Request, id string) {
	u, err := s.store.GetUser(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleAdminReports(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reports, total, err := s.store.ListAllReports(limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
