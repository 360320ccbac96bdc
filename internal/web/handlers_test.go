package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tagvault/internal/config"
	"tagvault/internal/importer"
	"tagvault/internal/store"
)

func testConfig(tokens []string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080, ShutdownTimeout: time.Second},
		Import: config.ImportConfig{
			ChunkSize: 10, MaxRecords: 1000, MaxContentBytes: 20000,
			MaxConcurrent: 2, MaxWaitTime: time.Second, Timeout: time.Minute,
			MaxBodyBytes: 1 << 20,
		},
		Progress: config.ProgressConfig{HeartbeatInterval: time.Minute, ChannelGrace: time.Minute},
		Rate:     config.RateLimitConfig{Enabled: false},
		Security: config.SecurityConfig{OwnerTokens: tokens},
		Logging:  config.LoggingConfig{Level: "error", Format: "text"},
	}
}

func newTestServer(tokens []string) (*Server, *store.Memory) {
	cfg := testConfig(tokens)
	records := store.NewMemory()
	sessions := importer.NewMemorySessions()
	service := importer.NewService(records, sessions, importer.ServiceOptions{
		Limits: importer.Limits{
			MaxRecords:      cfg.Import.MaxRecords,
			MaxContentBytes: cfg.Import.MaxContentBytes,
		},
		ChunkSize:     cfg.Import.ChunkSize,
		MaxConcurrent: cfg.Import.MaxConcurrent,
		SlotWait:      cfg.Import.MaxWaitTime,
		ChannelGrace:  cfg.Progress.ChannelGrace,
	})
	return NewServer(service, cfg), records
}

func envelope(n int) string {
	var b strings.Builder
	b.WriteString(`{"version": "2.0", "records": [`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"content": "tag%d shared", "createdAt": "2024-01-15T10:30:00Z", "updatedAt": "2024-01-15T10:30:00Z"}`, i)
	}
	b.WriteString(`]}`)
	return b.String()
}

func doRequest(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice"})

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"invalid token", "tok-wrong", http.StatusForbidden},
		{"valid token", "tok-a", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodGet, "/api/records", tt.token, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuth_DevModeWithoutTokens(t *testing.T) {
	s, _ := newTestServer(nil)

	rec := doRequest(s, http.MethodGet, "/api/records", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 in dev mode", rec.Code)
	}
}

func TestImport_Sync(t *testing.T) {
	s, records := newTestServer([]string{"tok-a:alice"})

	rec := doRequest(s, http.MethodPost, "/api/import", "tok-a", envelope(25))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var outcome importer.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !outcome.Result.Success {
		t.Errorf("Success = false: %v", outcome.Result.Errors)
	}
	if outcome.Result.Imported != 25 {
		t.Errorf("Imported = %d, want 25", outcome.Result.Imported)
	}
	if outcome.SessionID == "" || outcome.ChannelID == "" {
		t.Error("missing session or channel id")
	}

	count, _ := records.CountByOwner(context.Background(), "alice")
	if count != 25 {
		t.Errorf("stored = %d, want 25", count)
	}
}

func TestImport_ChunkFailureReturns422(t *testing.T) {
	s, records := newTestServer([]string{"tok-a:alice"})

	// First chunk commits, second one hits a transient failure.
	var commits int
	records.CommitHook = func() error {
		commits++
		if commits == 2 {
			return fmt.Errorf("connection reset by peer")
		}
		return nil
	}

	rec := doRequest(s, http.MethodPost, "/api/import", "tok-a", envelope(25))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422; body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		SessionID string               `json:"sessionId"`
		Result    *importer.Result     `json:"result"`
		Resume    *importer.ResumeInfo `json:"resume"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result == nil || resp.Result.Success {
		t.Fatalf("Result = %+v, want partial failure", resp.Result)
	}
	if resp.Result.Imported != 10 {
		t.Errorf("Imported = %d, want the committed chunk only", resp.Result.Imported)
	}
	if resp.Resume == nil {
		t.Error("no resume info for a paused session")
	}
	if resp.SessionID == "" {
		t.Error("missing session id")
	}
}

func TestResume_RepausedReturns422(t *testing.T) {
	s, records := newTestServer([]string{"tok-a:alice"})

	// The second and third chunk commits fail: the import pauses, and the
	// first resume attempt pauses again.
	var commits int
	records.CommitHook = func() error {
		commits++
		if commits == 2 || commits == 3 {
			return fmt.Errorf("connection reset by peer")
		}
		return nil
	}

	rec := doRequest(s, http.MethodPost, "/api/import", "tok-a", envelope(25))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("import status = %d, want 422", rec.Code)
	}
	var paused struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(rec.Body.Bytes(), &paused)

	// A resume that pauses on a fresh chunk failure gets the same advice
	// bundle as the original import.
	rec = doRequest(s, http.MethodPost, "/api/import/"+paused.SessionID+"/resume", "tok-a", envelope(25))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("resume status = %d, want 422; body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Result *importer.Result     `json:"result"`
		Resume *importer.ResumeInfo `json:"resume"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result == nil || resp.Result.Success {
		t.Fatalf("Result = %+v, want partial failure", resp.Result)
	}
	if resp.Resume == nil {
		t.Fatal("no resume info for the re-paused session")
	}
	if resp.Resume.LastProcessedIndex != 9 {
		t.Errorf("LastProcessedIndex = %d, want 9", resp.Resume.LastProcessedIndex)
	}

	// Storage recovered; the next resume finishes the job.
	rec = doRequest(s, http.MethodPost, "/api/import/"+paused.SessionID+"/resume", "tok-a", envelope(25))
	if rec.Code != http.StatusOK {
		t.Fatalf("final resume status = %d, want 200", rec.Code)
	}
	var outcome importer.Outcome
	json.Unmarshal(rec.Body.Bytes(), &outcome)
	if !outcome.Result.Success || outcome.Result.Imported != 15 {
		t.Errorf("final Success = %v, Imported = %d, want true/15", outcome.Result.Success, outcome.Result.Imported)
	}
}

func TestImport_ValidationError(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice"})

	body := `{"version": "2.0", "records": [{"content": "", "createdAt": "2024-01-15T10:30:00Z", "updatedAt": "2024-01-15T10:30:00Z"}]}`
	rec := doRequest(s, http.MethodPost, "/api/import", "tok-a", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Code != "VALIDATION_FAILED" {
		t.Errorf("Code = %q, want VALIDATION_FAILED", resp.Code)
	}
	if resp.Field != "records[0].content" {
		t.Errorf("Field = %q, want records[0].content", resp.Field)
	}
}

func TestImport_Async(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice"})

	rec := doRequest(s, http.MethodPost, "/api/import/async", "tok-a", envelope(5))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var started importer.Started
	json.Unmarshal(rec.Body.Bytes(), &started)
	if started.SessionID == "" || started.ChannelID == "" {
		t.Fatalf("started = %+v, want ids", started)
	}

	// The job runs in the background; poll the session until terminal.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = doRequest(s, http.MethodGet, "/api/import/"+started.SessionID, "tok-a", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("session status = %d", rec.Code)
		}
		var state importer.SessionState
		json.Unmarshal(rec.Body.Bytes(), &state)
		if state.Session.Status.Terminal() {
			if state.Session.Status != importer.StatusCompleted {
				t.Errorf("Status = %s, want completed", state.Session.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSession_NotFoundAndCrossOwner(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice", "tok-b:bob"})

	rec := doRequest(s, http.MethodGet, "/api/import/imp_missing", "tok-a", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}

	rec = doRequest(s, http.MethodPost, "/api/import", "tok-a", envelope(3))
	var outcome importer.Outcome
	json.Unmarshal(rec.Body.Bytes(), &outcome)

	// Another owner's session is indistinguishable from a missing one.
	rec = doRequest(s, http.MethodGet, "/api/import/"+outcome.SessionID, "tok-b", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-owner status = %d, want 404", rec.Code)
	}
}

func TestResume_NotResumable(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice"})

	rec := doRequest(s, http.MethodPost, "/api/import", "tok-a", envelope(3))
	var outcome importer.Outcome
	json.Unmarshal(rec.Body.Bytes(), &outcome)

	rec = doRequest(s, http.MethodGet, "/api/import/"+outcome.SessionID+"/resume", "tok-a", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("resume info on completed = %d, want 422", rec.Code)
	}

	rec = doRequest(s, http.MethodPost, "/api/import/"+outcome.SessionID+"/resume", "tok-a", envelope(3))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("resume on completed = %d, want 422", rec.Code)
	}
}

func TestCancel_CompletedConflicts(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice"})

	rec := doRequest(s, http.MethodPost, "/api/import", "tok-a", envelope(3))
	var outcome importer.Outcome
	json.Unmarshal(rec.Body.Bytes(), &outcome)

	rec = doRequest(s, http.MethodPost, "/api/import/"+outcome.SessionID+"/cancel", "tok-a", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel completed = %d, want 409", rec.Code)
	}
}

func TestExport_RoundTrip(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice"})

	doRequest(s, http.MethodPost, "/api/import", "tok-a", envelope(7))

	rec := doRequest(s, http.MethodGet, "/api/export", "tok-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	var payload importer.Payload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Version != "2.0" {
		t.Errorf("Version = %q, want 2.0", payload.Version)
	}
	if len(payload.Records) != 7 {
		t.Errorf("records = %d, want 7", len(payload.Records))
	}
	if payload.Metadata == nil || payload.Metadata.RecordCount != 7 {
		t.Errorf("Metadata = %+v", payload.Metadata)
	}
}

func TestRecords_LimitClamped(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice"})
	doRequest(s, http.MethodPost, "/api/import", "tok-a", envelope(5))

	rec := doRequest(s, http.MethodGet, "/api/records?limit=500", "tok-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Records []recordResponse `json:"records"`
		Total   int64            `json:"total"`
		Limit   int              `json:"limit"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Limit != maxReadLimit {
		t.Errorf("limit = %d, want clamped to %d", resp.Limit, maxReadLimit)
	}
	if resp.Total != 5 || len(resp.Records) != 5 {
		t.Errorf("total = %d, records = %d, want 5/5", resp.Total, len(resp.Records))
	}
}

func TestRecords_TagFilter(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice"})

	body := `{"version": "2.0", "records": [
		{"content": "go database tools", "createdAt": "2024-01-15T10:30:00Z", "updatedAt": "2024-01-15T10:30:00Z"},
		{"content": "go web server", "createdAt": "2024-01-15T10:30:00Z", "updatedAt": "2024-01-15T10:30:00Z"},
		{"content": "rust tools", "createdAt": "2024-01-15T10:30:00Z", "updatedAt": "2024-01-15T10:30:00Z"}
	]}`
	doRequest(s, http.MethodPost, "/api/import", "tok-a", body)

	var resp struct {
		Records []recordResponse `json:"records"`
	}

	rec := doRequest(s, http.MethodGet, "/api/records?tags=go", "tok-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Records) != 2 {
		t.Errorf("go matches = %d, want 2", len(resp.Records))
	}

	// Query tags are normalized like stored tags: case folded, comma or
	// space separated.
	rec = doRequest(s, http.MethodGet, "/api/records?tags=GO,tools", "tok-a", "")
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Records) != 1 {
		t.Errorf("go+tools matches = %d, want 1", len(resp.Records))
	}
}

func TestExport_ProgressChannel(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice"})
	doRequest(s, http.MethodPost, "/api/import", "tok-a", envelope(5))

	rec := doRequest(s, http.MethodGet, "/api/export?progress=true", "tok-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	channelID := rec.Header().Get("X-Progress-Channel")
	if channelID == "" {
		t.Fatal("no X-Progress-Channel header")
	}

	// The channel replays the finished export's updates.
	rec = doRequest(s, http.MethodGet, "/api/progress/"+channelID, "tok-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("progress status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"completed"`) {
		t.Error("no terminal update in stream")
	}
}

func TestProgress_StreamsBufferedEvents(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice"})

	rec := doRequest(s, http.MethodPost, "/api/import", "tok-a", envelope(25))
	var outcome importer.Outcome
	json.Unmarshal(rec.Body.Bytes(), &outcome)

	// The job is done; the stream replays the buffer and closes.
	rec = doRequest(s, http.MethodGet, "/api/progress/"+outcome.ChannelID, "tok-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: progress") {
		t.Error("no progress events in stream")
	}
	if !strings.Contains(body, `"status":"completed"`) {
		t.Error("no terminal update in stream")
	}
	if !strings.Contains(body, "event: close") {
		t.Error("no close event in stream")
	}
}

func TestProgress_CrossOwnerHidden(t *testing.T) {
	s, _ := newTestServer([]string{"tok-a:alice", "tok-b:bob"})

	rec := doRequest(s, http.MethodPost, "/api/import", "tok-a", envelope(3))
	var outcome importer.Outcome
	json.Unmarshal(rec.Body.Bytes(), &outcome)

	rec = doRequest(s, http.MethodGet, "/api/progress/"+outcome.ChannelID, "tok-b", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-owner progress = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(nil)

	rec := doRequest(s, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status string                 `json:"status"`
		Jobs   importer.LimiterStatus `json:"jobs"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Jobs.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", resp.Jobs.MaxConcurrent)
	}
}
