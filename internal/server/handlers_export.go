package server

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"sitereport/internal/logging"
	"sitereport/internal/mail"
	"sitereport/internal/render"
	"sitereport/internal/types"
)

// loadDocument gathers a report and its photos owned by u.
func (s *Server) loadDocument(u *types.User, id string) (*render.Document, error) {
	rep, err := s.store.GetReport(u.ID, id)
	if err != nil {
		return nil, err
	}
	buckets, err := s.photos.List(u.ID, id)
	if err != nil {
		return nil, err
	}
	return render.NewDocument(rep, buckets, s.cfg.Render.CompanyName, s.now()), nil
}

func (s *Server) renderContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.GetRenderTimeout())
}

func writeArtifact(w http.ResponseWriter, a *render.Artifact, disposition string) {
	h := w.Header()
	h.Set("Content-Type", a.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(a.Data)))
	if disposition != "" {
		h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": a.Filename}))
	}
	if a.Pages > 0 {
		h.Set("X-Page-Count", strconv.Itoa(a.Pages))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Data)
}

func (s *Server) exportHandler(format render.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := currentUser(r)
		id := chi.URLParam(r, "id")
		mode, err := render.ParseDocxMode(r.URL.Query().Get("mode"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		doc, err := s.loadDocument(u, id)
		if err != nil {
			writeError(w, r, err)
			return
		}

		ctx, cancel := s.renderContext(r)
		defer cancel()
		art, err := s.exporter.Export(ctx, doc, format, mode)
		s.metrics.ObserveExport("report", string(format), err)
		logging.Audit().Log(logging.AuditEvent{
			EventType: logging.AuditReportExport,
			UserID:    u.ID,
			Target:    id,
			Success:   err == nil,
			Fields:    map[string]interface{}{"format": string(format), "mode": string(mode)},
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		disposition := "attachment"
		if format == render.FormatHTML && r.URL.Query().Get("download") == "" {
			disposition = "inline"
		}
		writeArtifact(w, art, disposition)
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := chi.URLParam(r, "id")
	format := render.FormatJSON
	if v := r.URL.Query().Get("format"); v != "" {
		f, err := render.ParseFormat(v)
		if err != nil {
			writeError(w, r, err)
			return
		}
		format = f
	}
	doc, err := s.loadDocument(u, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := s.renderContext(r)
	defer cancel()
	art, err := s.exporter.Summary(ctx, doc, format)
	s.metrics.ObserveExport("summary", string(format), err)
	logging.Audit().Event(logging.AuditSummaryExport, u.ID, id, err)
	if err != nil {
		writeError(w, r, err)
		return
	}

	disposition := ""
	if format == render.FormatPDF || r.URL.Query().Get("download") != "" {
		disposition = "attachment"
	}
	writeArtifact(w, art, disposition)
}

type emailRequest struct {
	To     []string `json:"to"`
	Format string   `json:"format"`
	Mode   string   `json:"mode"`
	Note   string   `json:"note"`
}

func (s *Server) handleEmailReport(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := chi.URLParam(r, "id")
	if !s.mailer.Enabled() {
		writeError(w, r, errMailDisabled)
		return
	}
	var in emailRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if len(in.To) == 0 {
		writeError(w, r, fmt.Errorf("%w: no recipients", mail.ErrInvalidRecipient))
		return
	}
	format := render.FormatPDF
	if strings.TrimSpace(in.Format) != "" {
		f, err := render.ParseFormat(in.Format)
		if err != nil {
			writeError(w, r, err)
			return
		}
		format = f
	}
	if format == render.FormatJSON {
		writeError(w, r, fmt.Errorf("%w: cannot email %s", render.ErrUnsupportedFormat, format))
		return
	}
	mode, err := render.ParseDocxMode(in.Mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := s.loadDocument(u, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := s.renderContext(r)
	defer cancel()
	art, err := s.exporter.Export(ctx, doc, format, mode)
	s.metrics.ObserveExport("email", string(format), err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	err = s.mailer.SendReport(ctx, u, in.To, doc.DisplayTitle(), in.Note, mail.Attachment{
		Filename:    art.Filename,
		ContentType: art.ContentType,
		Data:        art.Data,
	})
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditReportEmailed,
		UserID:    u.ID,
		Target:    id,
		Success:   err == nil,
		Fields:    map[string]interface{}{"format": string(format), "recipients": len(in.To)},
	})
	if err != nil {
		if !errors.Is(err, mail.ErrInvalidRecipient) {
			err = fmt.Errorf("%w: %v", errUpstream, err)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sent":       true,
		"filename":   art.Filename,
		"recipients": len(in.To),
	})
}
