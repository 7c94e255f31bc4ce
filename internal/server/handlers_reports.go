package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"sitereport/internal/auth"
	"sitereport/internal/logging"
	"sitereport/internal/types"
)

// reportInput is the writable part of a report.
type reportInput struct {
	Title     string             `json:"title"`
	Status    types.ReportStatus `json:"status"`
	Form      types.FormData     `json:"form"`
	Signature string             `json:"signature"`
}

func (in *reportInput) validate() error {
	in.Title = strings.TrimSpace(in.Title)
	switch in.Status {
	case "", types.StatusDraft, types.StatusFinal:
	default:
		return fmt.Errorf("%w: unknown status %q", types.ErrInvalidForm, in.Status)
	}
	if err := in.Form.Validate(); err != nil {
		return err
	}
	return types.ValidateSignature(in.Signature)
}

func (in *reportInput) apply(rep *types.Report) {
	rep.Title = in.Title
	rep.Status = in.Status
	rep.Form = in.Form
	rep.Signature = in.Signature
}

func currentUser(r *http.Request) *types.User {
	u, _ := auth.UserFrom(r.Context())
	return u
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.store.ListReports(currentUser(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var in reportInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := in.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	if limit := s.cfg.Limits.MaxReportsPerUser; limit > 0 {
		n, err := s.store.CountReports(u.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if n >= limit {
			writeError(w, r, fmt.Errorf("%w: %d reports", errReportLimit, limit))
			return
		}
	}

	rep := &types.Report{UserID: u.ID}
	in.apply(rep)
	if err := s.store.CreateReport(rep); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := chi.URLParam(r, "id")
	rep, err := s.store.GetReport(u.ID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	buckets, err := s.photos.List(u.ID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"report": rep, "photos": buckets})
}

func (s *Server) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	rep, err := s.store.GetReport(u.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in reportInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := in.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	in.apply(rep)
	if err := s.store.UpdateReport(u.ID, rep); err != nil {
		writeError(w, r, err)
		return
	}
	logging.Reports("Updated report %s (%s)", rep.ID, rep.Status)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := chi.URLParam(r, "id")
	removed, err := s.store.DeleteReport(u.ID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.photos.DestroyAll(context.WithoutCancel(r.Context()), removed)
	logging.Audit().Event(logging.AuditReportDelete, u.ID, id, nil)
	w.WriteHeader(http.StatusNoContent)
}
