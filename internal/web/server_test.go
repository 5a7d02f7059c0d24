package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flylab/stockbook/internal/auth"
	"github.com/flylab/stockbook/internal/config"
	"github.com/flylab/stockbook/internal/importer"
	"github.com/flylab/stockbook/internal/stock"
)

type fakeCreator struct {
	mu       sync.Mutex
	existing map[string]bool
	created  []stock.CreateParams
	seq      int
}

func (f *fakeCreator) Create(ctx context.Context, p stock.CreateParams) (*stock.Stock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	id := p.StockID
	if id == "" {
		f.seq++
		id = fmt.Sprintf("IMP-%04d", f.seq)
	}
	if f.existing[id] {
		return nil, fmt.Errorf("stock ID %q %w", id, stock.ErrDuplicateStockID)
	}
	if f.existing == nil {
		f.existing = map[string]bool{}
	}
	f.existing[id] = true
	f.created = append(f.created, p)
	return &stock.Stock{ID: id, StockID: id, TenantID: p.TenantID, Genotype: p.Genotype}, nil
}

type fakeDirectory struct {
	ids map[string]struct{}
}

func (f *fakeDirectory) ExistingStockIDs(ctx context.Context, tenantID string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(f.ids))
	for id := range f.ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			RequestTimeout: 10 * time.Second,
		},
		Import: config.ImportConfig{
			MaxFileSize: 1 << 20,
		},
		Security: config.SecurityConfig{
			AllowedOrigins: []string{"*"},
			EnableCSP:      true,
		},
		Rate: config.RateLimitConfig{Enabled: false},
	}
}

type testServer struct {
	server  *Server
	tokens  *auth.TokenService
	creator *fakeCreator
}

func newTestServer(t *testing.T, existingIDs ...string) *testServer {
	t.Helper()

	dir := &fakeDirectory{ids: map[string]struct{}{}}
	creator := &fakeCreator{existing: map[string]bool{}}
	for _, id := range existingIDs {
		dir.ids[id] = struct{}{}
		creator.existing[id] = true
	}

	builder := &importer.ContextBuilder{Directory: dir}
	sessions := importer.NewSessionStore(time.Minute)
	svc := importer.NewService(builder, sessions, creator, nil, nil)
	tokens := auth.NewTokenService("test-secret", time.Hour)

	return &testServer{
		server:  NewServer(testConfig(), svc, tokens),
		tokens:  tokens,
		creator: creator,
	}
}

func (ts *testServer) token(t *testing.T, tenantID string) string {
	t.Helper()
	token, err := ts.tokens.IssueToken(tenantID, "user-1", "user@example.com")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

// multipartUpload builds a phase 1 request body with a CSV file and the
// mappings_json field.
func multipartUpload(t *testing.T, filename, csvData, mappingsJSON string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte(csvData)); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := mw.WriteField("mappings_json", mappingsJSON); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	return &buf, mw.FormDataContentType()
}

const defaultMappings = `{
	"column_mappings": [
		{"column_name": "Stock ID", "target_field": "stock_id"},
		{"column_name": "Genotype", "target_field": "genotype"}
	],
	"config": {}
}`

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := ts.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("body = %q, want to contain %q", rec.Body.String(), "ok")
	}
}

func TestPhase1RequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	body, contentType := multipartUpload(t, "stocks.csv", "Stock ID,Genotype\nA1,w1118\n", defaultMappings)
	req := httptest.NewRequest(http.MethodPost, "/api/imports/phase1", body)
	req.Header.Set("Content-Type", contentType)

	rec := ts.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPhase1RejectsInvalidToken(t *testing.T) {
	ts := newTestServer(t)

	body, contentType := multipartUpload(t, "stocks.csv", "Stock ID,Genotype\nA1,w1118\n", defaultMappings)
	req := httptest.NewRequest(http.MethodPost, "/api/imports/phase1", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer not-a-token")

	rec := ts.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPhase1CleanImport(t *testing.T) {
	ts := newTestServer(t)

	csvData := "Stock ID,Genotype\nA1,w1118\nA2,yw;Sp/CyO\n"
	body, contentType := multipartUpload(t, "stocks.csv", csvData, defaultMappings)
	req := httptest.NewRequest(http.MethodPost, "/api/imports/phase1", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))

	rec := ts.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result importer.Phase1Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.ImportedCount != 2 {
		t.Errorf("ImportedCount = %d, want 2", result.ImportedCount)
	}
	if result.SessionID != "" {
		t.Errorf("SessionID = %q, want empty", result.SessionID)
	}
	if len(ts.creator.created) != 2 {
		t.Errorf("created %d records, want 2", len(ts.creator.created))
	}
}

func TestPhase1ConflictCreatesSession(t *testing.T) {
	ts := newTestServer(t, "A1")

	csvData := "Stock ID,Genotype\nA1,w1118\nA2,yw\n"
	body, contentType := multipartUpload(t, "stocks.csv", csvData, defaultMappings)
	req := httptest.NewRequest(http.MethodPost, "/api/imports/phase1", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))

	rec := ts.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result importer.Phase1Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.ImportedCount != 1 {
		t.Errorf("ImportedCount = %d, want 1", result.ImportedCount)
	}
	if result.SessionID == "" {
		t.Fatal("expected a session ID for the conflicting row")
	}
	if len(result.ConflictingRows) != 1 {
		t.Fatalf("ConflictingRows = %d, want 1", len(result.ConflictingRows))
	}
	if result.ConflictSummary[importer.ConflictDuplicateStock] != 1 {
		t.Errorf("summary = %v, want one duplicate_stock", result.ConflictSummary)
	}
}

func TestPhase2ResolvesSession(t *testing.T) {
	ts := newTestServer(t, "A1")

	csvData := "Stock ID,Genotype\nA1,w1118\n"
	body, contentType := multipartUpload(t, "stocks.csv", csvData, defaultMappings)
	req := httptest.NewRequest(http.MethodPost, "/api/imports/phase1", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))

	var phase1 importer.Phase1Result
	if err := json.Unmarshal(ts.do(req).Body.Bytes(), &phase1); err != nil {
		t.Fatalf("decode phase 1 response: %v", err)
	}
	if phase1.SessionID == "" {
		t.Fatal("expected a session ID")
	}

	payload := fmt.Sprintf(`{
		"session_id": %q,
		"resolutions": [
			{"row_index": 1, "action": "use_value", "field_values": {"stock_id": "A1-dup"}}
		]
	}`, phase1.SessionID)

	req2 := httptest.NewRequest(http.MethodPost, "/api/imports/phase2", strings.NewReader(payload))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))

	rec := ts.do(req2)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var phase2 importer.Phase2Result
	if err := json.Unmarshal(rec.Body.Bytes(), &phase2); err != nil {
		t.Fatalf("decode phase 2 response: %v", err)
	}
	if phase2.ImportedCount != 1 {
		t.Errorf("ImportedCount = %d, want 1", phase2.ImportedCount)
	}
	if !strings.Contains(phase2.Message, "skipped 0") {
		t.Errorf("Message = %q, want to contain %q", phase2.Message, "skipped 0")
	}

	// The session is consumed either way.
	req3 := httptest.NewRequest(http.MethodPost, "/api/imports/phase2", strings.NewReader(payload))
	req3.Header.Set("Content-Type", "application/json")
	req3.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))
	if rec2 := ts.do(req3); rec2.Code != http.StatusNotFound {
		t.Errorf("second phase 2 status = %d, want 404", rec2.Code)
	}
}

func TestPhase2UnknownSession(t *testing.T) {
	ts := newTestServer(t)

	payload := `{"session_id": "nope", "resolutions": []}`
	req := httptest.NewRequest(http.MethodPost, "/api/imports/phase2", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))

	rec := ts.do(req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "IMP002" {
		t.Errorf("Code = %q, want IMP002", resp.Code)
	}
}

func TestPhase1MissingFile(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("mappings_json", defaultMappings); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/imports/phase1", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))

	rec := ts.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPhase1MissingMappings(t *testing.T) {
	ts := newTestServer(t)

	body, contentType := multipartUpload(t, "stocks.csv", "Stock ID\nA1\n", `{"column_mappings": [], "config": {}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/imports/phase1", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))

	rec := ts.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPhase1UnsupportedFileType(t *testing.T) {
	ts := newTestServer(t)

	body, contentType := multipartUpload(t, "stocks.xls", "legacy binary", defaultMappings)
	req := httptest.NewRequest(http.MethodPost, "/api/imports/phase1", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))

	rec := ts.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "FILE002" {
		t.Errorf("Code = %q, want FILE002", resp.Code)
	}
}

func TestGetAndDiscardSession(t *testing.T) {
	ts := newTestServer(t, "A1")

	csvData := "Stock ID,Genotype\nA1,w1118\n"
	body, contentType := multipartUpload(t, "stocks.csv", csvData, defaultMappings)
	req := httptest.NewRequest(http.MethodPost, "/api/imports/phase1", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))

	var phase1 importer.Phase1Result
	if err := json.Unmarshal(ts.do(req).Body.Bytes(), &phase1); err != nil {
		t.Fatalf("decode phase 1 response: %v", err)
	}

	get := httptest.NewRequest(http.MethodGet, "/api/imports/sessions/"+phase1.SessionID, nil)
	get.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))
	rec := ts.do(get)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var sess sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	if len(sess.ConflictingRows) != 1 {
		t.Errorf("ConflictingRows = %d, want 1", len(sess.ConflictingRows))
	}

	del := httptest.NewRequest(http.MethodDelete, "/api/imports/sessions/"+phase1.SessionID, nil)
	del.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))
	if rec := ts.do(del); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	get2 := httptest.NewRequest(http.MethodGet, "/api/imports/sessions/"+phase1.SessionID, nil)
	get2.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))
	if rec := ts.do(get2); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestSessionScopedToTenant(t *testing.T) {
	ts := newTestServer(t, "A1")

	csvData := "Stock ID,Genotype\nA1,w1118\n"
	body, contentType := multipartUpload(t, "stocks.csv", csvData, defaultMappings)
	req := httptest.NewRequest(http.MethodPost, "/api/imports/phase1", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-1"))

	var phase1 importer.Phase1Result
	if err := json.Unmarshal(ts.do(req).Body.Bytes(), &phase1); err != nil {
		t.Fatalf("decode phase 1 response: %v", err)
	}

	get := httptest.NewRequest(http.MethodGet, "/api/imports/sessions/"+phase1.SessionID, nil)
	get.Header.Set("Authorization", "Bearer "+ts.token(t, "lab-2"))
	if rec := ts.do(get); rec.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant get status = %d, want 404", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := ts.do(req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got == "" {
		t.Error("expected a Content-Security-Policy header")
	}
}

func TestRateLimiterBlocksAfterBudget(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)

	if !rl.allow("10.0.0.1") {
		t.Fatal("first request should pass")
	}
	if !rl.allow("10.0.0.1") {
		t.Fatal("second request should pass")
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("third request should be limited")
	}
	if !rl.allow("10.0.0.2") {
		t.Fatal("other IPs have their own budget")
	}
}
