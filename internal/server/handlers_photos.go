package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sitereport/internal/photos"
	"sitereport/internal/store"
	"sitereport/internal/types"
)

// multipart fields beyond this spill to temp files
const uploadMemory = 8 << 20

func (s *Server) handleListPhotos(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.photos.List(currentUser(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"photos": buckets})
}

// handleAddPhoto accepts either a multipart upload (field "file") or a JSON
// reference to an image already on the host.
func (s *Server) handleAddPhoto(w http.ResponseWriter, r *http.Request) {
	req := photos.UploadRequest{
		UserID:   currentUser(r).ID,
		ReportID: chi.URLParam(r, "id"),
	}

	if !isMultipart(r) {
		var in struct {
			Section  types.Section `json:"section"`
			URL      string        `json:"url"`
			PublicID string        `json:"publicId"`
			Caption  string        `json:"caption"`
			Lat      *float64      `json:"lat"`
			Lng      *float64      `json:"lng"`
			TakenAt  *time.Time    `json:"takenAt"`
			Flagged  bool          `json:"flagged"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		req.Section, req.Caption, req.Lat, req.Lng, req.TakenAt, req.Flagged = in.Section, in.Caption, in.Lat, in.Lng, in.TakenAt, in.Flagged
		p, err := s.photos.AddByURL(r.Context(), req, in.URL, in.PublicID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Images.MaxUploadBytes()+1<<20)
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		writeError(w, r, uploadError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	if err := parseUploadFields(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: missing file field", errBadRequest))
		return
	}
	defer file.Close()
	req.Filename = header.Filename

	p, err := s.photos.Upload(r.Context(), req, file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: upload exceeds limit", photos.ErrTooLarge)
	}
	return fmt.Errorf("%w: %v", errBadRequest, err)
}

func parseUploadFields(r *http.Request, req *photos.UploadRequest) error {
	req.Section = types.Section(r.FormValue("section"))
	req.Caption = r.FormValue("caption")
	req.Flagged, _ = strconv.ParseBool(r.FormValue("flagged"))

	for name, dst := range map[string]**float64{"lat": &req.Lat, "lng": &req.Lng} {
		v := strings.TrimSpace(r.FormValue(name))
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s must be a number", errBadRequest, name)
		}
		*dst = &f
	}
	if v := strings.TrimSpace(r.FormValue("takenAt")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("%w: takenAt must be RFC 3339", errBadRequest)
		}
		req.TakenAt = &t
	}
	return nil
}

func (s *Server) handleUpdatePhoto(w http.ResponseWriter, r *http.Request) {
	var patch store.PhotoPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.photos.Update(currentUser(r).ID, chi.URLParam(r, "id"), chi.URLParam(r, "photoID"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePhoto(w http.ResponseWriter, r *http.Request) {
	err := s.photos.Delete(context.WithoutCancel(r.Context()), currentUser(r).ID, chi.URLParam(r, "id"), chi.URLParam(r, "photoID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorderPhotos(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := chi.URLParam(r, "id")
	var in struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.photos.Reorder(u.ID, id, types.Section(chi.URLParam(r, "section")), in.IDs); err != nil {
		writeError(w, r, err)
		return
	}
	buckets, err := s.photos.List(u.ID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"photos": buckets})
}
