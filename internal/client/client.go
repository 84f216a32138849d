// Package client talks to a running ledger server over HTTP.
//
// Client implements ledger.Store and ledger.VisitRecorder, so the batch
// importer and the transfer engine can run on a workstation against a
// remote server. Server error codes are mapped back to the ledger sentinel
// errors, so errors.Is works the same as against a local store.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/partyledger/internal/ledger"
	"github.com/JonMunkholm/partyledger/internal/service"
)

const defaultTimeout = 30 * time.Second

// Client is an HTTP ledger.Store.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var (
	_ ledger.Store         = (*Client)(nil)
	_ ledger.VisitRecorder = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is an error response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
	Action  string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// codeErrors maps server error codes to the sentinels they were built from.
var codeErrors = map[string]error{
	"LED001":  ledger.ErrDuplicateName,
	"LED002":  ledger.ErrPartyExists,
	"LED003":  ledger.ErrPartyNotFound,
	"XFR001":  ledger.ErrTransferFormat,
	"XFR002":  ledger.ErrInvalidMode,
	"NET001":  ledger.ErrRemoteUnavailable,
	"FILE003": service.ErrUnsupportedFileType,
	"FILE005": service.ErrNoRecords,
	"VAL001":  service.ErrNegativeAmount,
	"IMP001":  service.ErrTooManyImports,
	"IMP002":  service.ErrImportNotFound,
}

// Unwrap returns the ledger sentinel matching the error code, if any.
func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// Temporary reports whether retrying the request later could succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}

	var payload struct {
		Message string `json:"message"`
		Action  string `json:"action"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
		apiErr.Action = payload.Action
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

// do sends a request and returns the response body for a 2xx status.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, decodeAPIError(resp))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	return data, resp.Header, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	data, _, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// Health checks that the server and its record store are up.
func (c *Client) Health(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, "/healthz", nil, "")
	return err
}

// GenerateID reserves a new party id for name.
func (c *Client) GenerateID(ctx context.Context, name, phone string) (string, error) {
	req := struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
	}{name, phone}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/parties/allocate", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("allocate: server returned an empty id")
	}
	return resp.ID, nil
}

// CreateParty creates a party under an id from GenerateID.
func (c *Client) CreateParty(ctx context.Context, id string, fields ledger.PartyFields) error {
	data, err := ledger.EncodeParty(fields.Record(id))
	if err != nil {
		return err
	}
	_, _, err = c.do(ctx, http.MethodPost, "/api/parties", bytes.NewReader(data), "application/json")
	return err
}

// GetAllParties lists parties in server order.
func (c *Client) GetAllParties(ctx context.Context) ([]ledger.PartyEntry, error) {
	data, _, err := c.do(ctx, http.MethodGet, "/api/parties", nil, "")
	if err != nil {
		return nil, err
	}
	return ledger.DecodePartyList(data)
}

// ExportSnapshot fetches the whole dataset.
func (c *Client) ExportSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	data, _, err := c.do(ctx, http.MethodGet, "/api/snapshot", nil, "")
	if err != nil {
		return ledger.Snapshot{}, err
	}
	return ledger.DecodeSnapshot(data)
}

// ApplySnapshot replaces the whole dataset on the server.
func (c *Client) ApplySnapshot(ctx context.Context, snap ledger.Snapshot) error {
	data, err := ledger.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, _, err = c.do(ctx, http.MethodPut, "/api/snapshot", bytes.NewReader(data), "application/json")
	return err
}

// AddVisit appends a visit record to an existing party.
func (c *Client) AddVisit(ctx context.Context, v ledger.VisitRecord) error {
	data, err := ledger.EncodeVisit(v)
	if err != nil {
		return err
	}
	path := "/api/parties/" + url.PathEscape(v.PartyID) + "/visits"
	_, _, err = c.do(ctx, http.MethodPost, path, bytes.NewReader(data), "application/json")
	return err
}

// Preview is the server's parse of an uploaded party sheet.
type Preview struct {
	FileName        string                    `json:"fileName"`
	Records         []ledger.ParsedPartyInput `json:"records"`
	Errors          []string                  `json:"errors"`
	Fatal           bool                      `json:"fatal"`
	TotalDue        string                    `json:"totalDue"`
	TotalDueDisplay string                    `json:"totalDueDisplay"`
}

// StartedImport identifies a server-side import.
type StartedImport struct {
	ImportID    string   `json:"import_id"`
	Records     int      `json:"records"`
	ParseErrors []string `json:"parse_errors"`
}

func (c *Client) upload(ctx context.Context, path, fileName string, r io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return fmt.Errorf("read %s: %w", fileName, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	data, _, err := c.do(ctx, http.MethodPost, path, &buf, mw.FormDataContentType())
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("POST %s: decode response: %w", path, err)
	}
	return nil
}

// PreviewFile asks the server to parse a party sheet without importing it.
func (c *Client) PreviewFile(ctx context.Context, fileName string, r io.Reader) (*Preview, error) {
	var p Preview
	if err := c.upload(ctx, "/api/import/preview", fileName, r, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// StartImport uploads a party sheet for a server-side batch import.
func (c *Client) StartImport(ctx context.Context, fileName string, r io.Reader) (*StartedImport, error) {
	var s StartedImport
	if err := c.upload(ctx, "/api/import/parties", fileName, r, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ImportResult waits for a server-side import to finish.
func (c *Client) ImportResult(ctx context.Context, importID string) (*service.ImportResult, error) {
	var res service.ImportResult
	path := "/api/import/" + url.PathEscape(importID) + "/result"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListImports returns up to limit recent import runs.
func (c *Client) ListImports(ctx context.Context, limit int) ([]ledger.ImportRun, error) {
	var runs []ledger.ImportRun
	path := "/api/imports?limit=" + strconv.Itoa(limit)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// TransferExport downloads the transfer file.
func (c *Client) TransferExport(ctx context.Context) ([]byte, error) {
	data, _, err := c.do(ctx, http.MethodGet, "/api/transfer/export", nil, "")
	return data, err
}

// TransferImport uploads a transfer file and reconciles it with mode.
func (c *Client) TransferImport(ctx context.Context, data []byte, mode ledger.Mode) error {
	path := "/api/transfer/import?mode=" + url.QueryEscape(string(mode))
	_, _, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(data), "application/json")
	return err
}

// Duplicates lists groups of parties with alike names. A zero threshold
// uses the server default.
func (c *Client) Duplicates(ctx context.Context, threshold float64) ([]ledger.DuplicateGroup, error) {
	path := "/api/parties/duplicates"
	if threshold > 0 {
		path += "?threshold=" + strconv.FormatFloat(threshold, 'f', -1, 64)
	}
	var groups []ledger.DuplicateGroup
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}
