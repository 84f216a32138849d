package web

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/partyledger/internal/config"
	"github.com/JonMunkholm/partyledger/internal/ledger"
	"github.com/JonMunkholm/partyledger/internal/service"
	"github.com/JonMunkholm/partyledger/internal/store/memstore"
)

const partySheet = "Party Name,Address,Phone,PAN,Due Amount\n" +
	"Acme,1 Main St,555,ABCDE1234F,100\n" +
	"Beta,,,XYZ,250\n" +
	",,,,5\n"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeout: 5 * time.Second},
		Import: config.ImportConfig{MaxFileSize: 1 << 20},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *memstore.Store) {
	t.Helper()
	store, err := memstore.New(1)
	require.NoError(t, err)
	svc := service.New(store, service.Options{BatchSize: 2, BatchDelay: -1})
	srv := NewServer(cfg, svc)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, store
}

func do(t *testing.T, srv *Server, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func multipartFile(t *testing.T, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func allocate(t *testing.T, srv *Server, name string) string {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/parties/allocate", strings.NewReader(fmt.Sprintf(`{"name":%q}`, name)), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp allocateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func createParty(t *testing.T, srv *Server, name string, due int64) string {
	t.Helper()
	id := allocate(t, srv, name)
	body, err := ledger.EncodeParty(ledger.PartyRecord{ID: id, Name: name, TaxID: "T-" + name, DueAmount: due})
	require.NoError(t, err)
	rec := do(t, srv, http.MethodPost, "/api/parties", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return id
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := do(t, srv, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestAllocateAndCreate(t *testing.T) {
	srv, store := newTestServer(t, testConfig())

	id := createParty(t, srv, "Acme", 9_007_199_254_740_993)

	// The name is now taken, in any case.
	rec := do(t, srv, http.MethodPost, "/api/parties/allocate", strings.NewReader(`{"name":"ACME"}`), "application/json")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "LED001", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/api/parties/allocate", strings.NewReader(`{"name":"  "}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/parties/allocate", strings.NewReader(`{`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Creating under the same id again is rejected.
	body, err := ledger.EncodeParty(ledger.PartyRecord{ID: id, Name: "Other", TaxID: "T"})
	require.NoError(t, err)
	rec = do(t, srv, http.MethodPost, "/api/parties", bytes.NewReader(body), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "LED002", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/api/parties", strings.NewReader(`{"id":"x","name":"n","pan":"p","dueAmount":12}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "XFR001", decodeError(t, rec).Code)

	parties, err := store.GetAllParties(context.Background())
	require.NoError(t, err)
	require.Len(t, parties, 1)
	assert.Equal(t, int64(9_007_199_254_740_993), parties[0].Party.DueAmount)
}

func TestListParties_KeepsStoreOrder(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	b := createParty(t, srv, "Beta", 1)
	a := createParty(t, srv, "Acme", 2)

	rec := do(t, srv, http.MethodGet, "/api/parties", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	entries, err := ledger.DecodePartyList(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, b, entries[0].ID)
	assert.Equal(t, a, entries[1].ID)
}

func TestSnapshot_GetPut(t *testing.T) {
	srv, store := newTestServer(t, testConfig())
	createParty(t, srv, "Acme", 5)

	rec := do(t, srv, http.MethodGet, "/api/snapshot", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap, err := ledger.DecodeSnapshot(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, snap.Parties, 1)

	replacement := ledger.NewSnapshot()
	replacement.Parties["Z"] = ledger.PartyRecord{ID: "Z", Name: "Zeta", DueAmount: 1}
	data, err := ledger.EncodeSnapshot(replacement)
	require.NoError(t, err)

	rec = do(t, srv, http.MethodPut, "/api/snapshot", bytes.NewReader(data), "application/json")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	got, err := store.ExportSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, got.Parties, 1)
	assert.Equal(t, "Zeta", got.Parties["Z"].Name)

	rec = do(t, srv, http.MethodPut, "/api/snapshot", strings.NewReader(`{"parties":{}}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPut, "/api/snapshot", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	got, err = store.ExportSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, got.Parties, 1)
}

func TestAddVisit(t *testing.T) {
	srv, store := newTestServer(t, testConfig())
	id := createParty(t, srv, "Acme", 5)

	body := `{"comment":"paid","paymentDate":"1700000000000000000","amount":"40"}`
	rec := do(t, srv, http.MethodPost, "/api/parties/"+id+"/visits", strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	snap, err := store.ExportSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.VisitRecords[id], 1)
	assert.Equal(t, int64(40), snap.VisitRecords[id][0].Amount)

	rec = do(t, srv, http.MethodPost, "/api/parties/missing/visits", strings.NewReader(body), "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/export/visits.csv", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ledger.VisitsCSVHeader, rows[0])
	assert.Equal(t, "Acme", rows[1][1])
}

func TestPreview(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	body, ct := multipartFile(t, "parties.csv", partySheet)
	rec := do(t, srv, http.MethodPost, "/api/import/preview", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PreviewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Records, 2)
	assert.Len(t, resp.Errors, 1)
	assert.Equal(t, "350", resp.TotalDue)
	assert.Equal(t, "₹350", resp.TotalDueDisplay)
	assert.False(t, resp.Fatal)

	body, ct = multipartFile(t, "parties.pdf", partySheet)
	rec = do(t, srv, http.MethodPost, "/api/import/preview", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FILE003", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/api/import/preview", strings.NewReader("x"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImport_StartResultProgress(t *testing.T) {
	srv, store := newTestServer(t, testConfig())
	createParty(t, srv, "Beta", 1)

	body, ct := multipartFile(t, "parties.csv", partySheet)
	rec := do(t, srv, http.MethodPost, "/api/import/parties", body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started StartImportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.ImportID)
	assert.Equal(t, 2, started.Records)
	assert.Len(t, started.ParseErrors, 1)

	rec = do(t, srv, http.MethodGet, "/api/import/"+started.ImportID+"/result", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result service.ImportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Outcome.SuccessCount)
	require.Len(t, result.Outcome.Failed, 1)
	assert.Equal(t, "Beta", result.Outcome.Failed[0].Name)
	assert.Equal(t, ledger.FailureDuplicateName, result.Outcome.Failed[0].Kind)

	parties, err := store.GetAllParties(context.Background())
	require.NoError(t, err)
	assert.Len(t, parties, 2)

	// The import has finished, so the stream replays the final state and ends.
	rec = do(t, srv, http.MethodGet, "/api/import/"+started.ImportID+"/progress", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	stream := rec.Body.String()
	assert.Contains(t, stream, "event: progress")
	assert.Contains(t, stream, `"phase":"complete"`)
	assert.True(t, strings.HasSuffix(stream, "event: complete\ndata: {}\n\n"), stream)

	rec = do(t, srv, http.MethodGet, "/api/imports", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []ledger.ImportRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, started.ImportID, runs[0].ID)
	assert.Equal(t, 1, runs[0].ParseErrs)
}

func TestImport_Errors(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	body, ct := multipartFile(t, "parties.csv", "Party Name,PAN,Due Amount\n,,1\n")
	rec := do(t, srv, http.MethodPost, "/api/import/parties", body, ct)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "FILE005", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodGet, "/api/import/nope/result", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "IMP002", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodGet, "/api/import/nope/progress", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImport_FileTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Import.MaxFileSize = 64
	srv, _ := newTestServer(t, cfg)

	body, ct := multipartFile(t, "parties.csv", partySheet+strings.Repeat("Filler,,,X,1\n", 20))
	rec := do(t, srv, http.MethodPost, "/api/import/preview", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "FILE001", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodPut, "/api/snapshot", strings.NewReader(strings.Repeat(" ", 128)), "application/json")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "FILE001", decodeError(t, rec).Code)
}

func TestTransfer_ExportImport(t *testing.T) {
	srv, store := newTestServer(t, testConfig())
	id := createParty(t, srv, "Acme", 7)

	rec := do(t, srv, http.MethodGet, "/api/transfer/export", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ExportFileName)
	exported := rec.Body.Bytes()

	incoming := ledger.NewSnapshot()
	incoming.Parties["N"] = ledger.PartyRecord{ID: "N", Name: "New", DueAmount: 3}
	data, err := ledger.EncodeSnapshot(incoming)
	require.NoError(t, err)

	rec = do(t, srv, http.MethodPost, "/api/transfer/import?mode=merge", bytes.NewReader(data), "application/json")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	snap, err := store.ExportSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Parties, 2)

	// Overwrite from a multipart upload of the earlier export.
	body, ct := multipartFile(t, ExportFileName, string(exported))
	rec = do(t, srv, http.MethodPost, "/api/transfer/import?mode=OVERWRITE", body, ct)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	snap, err = store.ExportSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Parties, 1)
	assert.Equal(t, "Acme", snap.Parties[id].Name)

	tests := []struct {
		name   string
		target string
		body   string
		code   string
	}{
		{"missing mode", "/api/transfer/import", string(data), "XFR002"},
		{"bad mode", "/api/transfer/import?mode=replace", string(data), "XFR002"},
		{"bad file", "/api/transfer/import?mode=merge", `{"parties":[["a",{"id":"a","name":"x","pan":"p","dueAmount":1}]]}`, "XFR001"},
		{"empty object overwrite", "/api/transfer/import?mode=overwrite", `{}`, "XFR001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, tt.target, strings.NewReader(tt.body), "application/json")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}

	// A rejected file leaves the store untouched.
	snap, err = store.ExportSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Parties, 1)
}

func TestDuplicatesAndPartiesCSV(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	createParty(t, srv, "Acme Traders", 1)
	createParty(t, srv, "Acme Trader", 2)
	createParty(t, srv, "Zeta", 3)

	rec := do(t, srv, http.MethodGet, "/api/parties/duplicates", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var groups []ledger.DuplicateGroup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Parties, 2)

	for _, threshold := range []string{"0", "1.5", "abc"} {
		rec = do(t, srv, http.MethodGet, "/api/parties/duplicates?threshold="+threshold, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, threshold)
	}

	rec = do(t, srv, http.MethodGet, "/api/export/parties.csv", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "parties_")
	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Acme Traders", rows[1][1])
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	srv, _ := newTestServer(t, cfg)

	rec := do(t, srv, http.MethodGet, "/api/parties", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/parties", nil)
	req.Header.Set("X-API-Key", "secret")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rec = do(t, srv, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	srv, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/parties", nil, "").Code)
	rec := do(t, srv, http.MethodGet, "/api/parties", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", ledger.ErrDuplicateName), http.StatusConflict},
		{ledger.ErrPartyExists, http.StatusConflict},
		{ledger.ErrPartyNotFound, http.StatusNotFound},
		{service.ErrImportNotFound, http.StatusNotFound},
		{ledger.ErrInvalidMode, http.StatusBadRequest},
		{service.ErrNoRecords, http.StatusUnprocessableEntity},
		{service.ErrTooManyImports, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("%w: boom", ledger.ErrRemoteUnavailable), http.StatusBadGateway},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
