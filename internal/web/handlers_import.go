package web

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tagvault/internal/importer"
	ownmw "tagvault/internal/web/middleware"
)

// handleImport runs an import synchronously and returns the full result.
// The payload is the versioned JSON envelope.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	owner := ownmw.OwnerFromContext(r.Context())

	payload, ok := s.readPayload(w, r)
	if !ok {
		return
	}

	outcome, err := s.service.Import(r.Context(), owner, payload)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.writeOutcome(w, r, owner, outcome)
}

// handleImportAsync accepts the payload, starts the job in the background,
// and returns the session and progress channel ids immediately.
func (s *Server) handleImportAsync(w http.ResponseWriter, r *http.Request) {
	owner := ownmw.OwnerFromContext(r.Context())

	payload, ok := s.readPayload(w, r)
	if !ok {
		return
	}

	started, err := s.service.StartImport(r.Context(), owner, payload)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeStatusJSON(w, http.StatusAccepted, started)
}

// handleSession returns the session's counters, status, error log, and any
// derived repair suggestions and resume info.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	owner := ownmw.OwnerFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	state, err := s.service.Session(r.Context(), owner, sessionID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, state)
}

// handleResumeInfo returns the remaining-work estimate for a resumable
// session without starting anything.
func (s *Server) handleResumeInfo(w http.ResponseWriter, r *http.Request) {
	owner := ownmw.OwnerFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	info, err := s.service.ResumeInfo(r.Context(), owner, sessionID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, info)
}

// handleResume continues a paused or failed session. The caller resubmits
// the original payload; already-committed records are not reprocessed.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	owner := ownmw.OwnerFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	payload, ok := s.readPayload(w, r)
	if !ok {
		return
	}

	outcome, err := s.service.Resume(r.Context(), owner, sessionID, payload)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.writeOutcome(w, r, owner, outcome)
}

// writeOutcome reports a finished job. A job that stopped short of
// completion (chunk rollback, cancellation) is reported with 422 and
// whatever repair and resume advice the session has accumulated, whether it
// was a first run or a resumed one.
func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, owner string, outcome *importer.Outcome) {
	if outcome.Result != nil && !outcome.Result.Success {
		resp := map[string]any{
			"sessionId": outcome.SessionID,
			"channelId": outcome.ChannelID,
			"result":    outcome.Result,
		}
		if state, err := s.service.Session(r.Context(), owner, outcome.SessionID); err == nil {
			if len(state.Suggestions) > 0 {
				resp["suggestions"] = state.Suggestions
			}
			if state.Resume != nil {
				resp["resume"] = state.Resume
			}
		}
		writeStatusJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	writeJSON(w, outcome)
}

// handleCancel stops a running session before its next chunk.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	owner := ownmw.OwnerFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.service.Cancel(r.Context(), owner, sessionID); err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, map[string]string{"status": "cancelled"})
}

// readPayload reads the bounded request body, replying on failure.
func (s *Server) readPayload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeStatusJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
			Error: "request body too large or unreadable",
			Code:  "BODY_TOO_LARGE",
		})
		return nil, false
	}
	return payload, true
}
