package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/flylab/stockbook/internal/importer"
	"github.com/flylab/stockbook/internal/tabular"
	webmw "github.com/flylab/stockbook/internal/web/middleware"
	"github.com/go-chi/chi/v5"
)

// phase1Request is the JSON payload carried in the "mappings_json" form
// field alongside the uploaded file.
type phase1Request struct {
	ColumnMappings []tabular.FieldMapping `json:"column_mappings"`
	Config         importer.ImportConfig  `json:"config"`
}

// phase2Request is the JSON body for applying conflict resolutions.
type phase2Request struct {
	SessionID   string                        `json:"session_id"`
	Resolutions []importer.ConflictResolution `json:"resolutions"`
}

// sessionResponse is the JSON view of a stored conflict session.
type sessionResponse struct {
	SessionID       string                    `json:"session_id"`
	ConflictingRows []importer.ConflictingRow `json:"conflicting_rows"`
	CreatedAt       string                    `json:"created_at"`
	ExpiresAt       string                    `json:"expires_at"`
}

// handlePhase1 ingests an uploaded file, runs conflict detection, commits
// clean rows, and parks conflicting rows in a session for phase 2.
func (s *Server) handlePhase1(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		respondBadRequest(w, "file too large or invalid form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondBadRequest(w, "no file provided")
		return
	}
	defer file.Close()

	mappingsJSON := r.FormValue("mappings_json")
	if mappingsJSON == "" {
		respondBadRequest(w, "missing mappings_json form field")
		return
	}

	var req phase1Request
	if err := json.Unmarshal([]byte(mappingsJSON), &req); err != nil {
		respondBadRequest(w, "invalid mappings_json format")
		return
	}
	if len(req.ColumnMappings) == 0 {
		respondBadRequest(w, "at least one column mapping is required")
		return
	}

	rows, err := tabular.ParseFile(header.Filename, file)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	tenantID := webmw.TenantFromContext(r.Context())
	result, err := s.service.ExecutePhase1(r.Context(), tenantID, rows, req.ColumnMappings, req.Config)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, result)
}

// handlePhase2 applies conflict resolutions against a stored session and
// commits the resolved rows.
func (s *Server) handlePhase2(w http.ResponseWriter, r *http.Request) {
	var req phase2Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	if req.SessionID == "" {
		respondBadRequest(w, "missing session_id")
		return
	}

	tenantID := webmw.TenantFromContext(r.Context())
	result, err := s.service.ExecutePhase2(r.Context(), tenantID, req.SessionID, req.Resolutions)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, result)
}

// handleGetSession returns the conflicting rows stored in a session, so a
// client can rebuild the resolution view after a reload.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	tenantID := webmw.TenantFromContext(r.Context())

	session, ok := s.service.Sessions().Get(sessionID, tenantID)
	if !ok {
		s.respondError(w, r, importer.ErrSessionNotFound)
		return
	}

	writeJSON(w, sessionResponse{
		SessionID:       session.ID,
		ConflictingRows: session.Rows,
		CreatedAt:       session.CreatedAt.Format(time.RFC3339),
		ExpiresAt:       session.ExpiresAt.Format(time.RFC3339),
	})
}

// handleDiscardSession drops a stored session without importing its rows.
func (s *Server) handleDiscardSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	tenantID := webmw.TenantFromContext(r.Context())

	if _, ok := s.service.Sessions().Get(sessionID, tenantID); !ok {
		s.respondError(w, r, importer.ErrSessionNotFound)
		return
	}
	s.service.Sessions().Delete(sessionID)

	writeJSON(w, map[string]string{"status": "discarded"})
}
