package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tagvault/internal/importer"
	"tagvault/internal/store"
	ownmw "tagvault/internal/web/middleware"
)

// Read limits for the records listing.
const (
	defaultReadLimit = 20
	maxReadLimit     = 100
)

// handleExport returns the owner's full record set as a downloadable
// current-version envelope, round-trippable through the import endpoint.
// With ?progress=true the export also publishes to a progress channel whose
// id is returned in the X-Progress-Channel header.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	owner := ownmw.OwnerFromContext(r.Context())

	var payload *importer.Payload
	var err error
	if r.URL.Query().Get("progress") == "true" {
		var channelID string
		payload, channelID, err = s.service.ExportWithProgress(r.Context(), owner)
		if err == nil {
			w.Header().Set("X-Progress-Channel", channelID)
		}
	} else {
		payload, err = s.service.Export(r.Context(), owner)
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	filename := fmt.Sprintf("export_%s.json", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	writeJSON(w, payload)
}

// recordResponse is the read-side representation of a stored record.
type recordResponse struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// handleRecords lists the owner's records with offset/limit pagination.
// The limit is clamped to [1, 100]. A tags parameter narrows the listing to
// records carrying every named tag.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	owner := ownmw.OwnerFromContext(r.Context())

	offset := parseIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	limit := parseIntParam(r, "limit", defaultReadLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}

	// Query tags go through the same normalization as stored tags, so a
	// lookup for "Go" matches records tagged "go".
	if raw := r.URL.Query().Get("tags"); raw != "" {
		tags := store.TagSet(strings.ReplaceAll(raw, ",", " "))
		records, err := s.service.RecordsByTags(r.Context(), owner, tags, limit)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, map[string]any{
			"records": toRecordResponses(records),
			"total":   len(records),
			"limit":   limit,
		})
		return
	}

	records, total, err := s.service.Records(r.Context(), owner, offset, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, map[string]any{
		"records": toRecordResponses(records),
		"total":   total,
		"offset":  offset,
		"limit":   limit,
	})
}

func toRecordResponses(records []store.Record) []recordResponse {
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, recordResponse{
			ID:        rec.ID,
			Content:   rec.Content,
			Tags:      rec.Tags,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return out
}

// parseIntParam reads an integer query parameter with a fallback.
func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
