package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/partyledger/internal/ledger"
	"github.com/JonMunkholm/partyledger/internal/service"
)

// multipartMemory is how much of a multipart form is held in memory
// before spilling to temp files.
const multipartMemory = 8 << 20

// PreviewResponse reports what an import of the uploaded file would submit.
type PreviewResponse struct {
	FileName        string                    `json:"fileName"`
	Records         []ledger.ParsedPartyInput `json:"records"`
	Errors          []string                  `json:"errors"`
	Fatal           bool                      `json:"fatal,omitempty"`
	TotalDue        string                    `json:"totalDue"`
	TotalDueDisplay string                    `json:"totalDueDisplay"`
}

// StartImportResponse is returned when an import is accepted.
type StartImportResponse struct {
	ImportID    string   `json:"import_id"`
	Records     int      `json:"records"`
	ParseErrors []string `json:"parse_errors"`
}

// parseUpload reads the "file" form field and parses it as a party sheet.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) (string, ledger.ParseResult, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return "", ledger.ParseResult{}, fmt.Errorf("%w: file too large or invalid form: %w", errBadRequest, err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", ledger.ParseResult{}, fmt.Errorf("%w: no file provided", errBadRequest)
	}
	defer file.Close()

	res, err := service.ParseFile(header.Filename, file)
	if err != nil {
		return "", ledger.ParseResult{}, err
	}
	return header.Filename, res, nil
}

// handlePreview parses an uploaded file and reports the rows and errors
// without submitting anything.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	name, res, err := s.parseUpload(w, r)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	total := res.TotalDue()
	resp := PreviewResponse{
		FileName:        name,
		Records:         res.Records,
		Errors:          res.Errors,
		Fatal:           res.Fatal,
		TotalDue:        total.String(),
		TotalDueDisplay: ledger.FormatTotal(total),
	}
	if resp.Records == nil {
		resp.Records = []ledger.ParsedPartyInput{}
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStartImport parses an uploaded file and submits its valid rows in
// the background.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	name, res, err := s.parseUpload(w, r)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	id, err := s.service.StartImport(r.Context(), name, res)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	resp := StartImportResponse{ImportID: id, Records: len(res.Records), ParseErrors: res.Errors}
	if resp.ParseErrors == nil {
		resp.ParseErrors = []string{}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleImportProgress streams import progress as server-sent events.
// The event id is the number of processed records; a client reconnecting
// with lastEventId (or Last-Event-ID) skips updates it has already seen.
func (s *Server) handleImportProgress(w http.ResponseWriter, r *http.Request) {
	importID := chi.URLParam(r, "importID")

	lastID := r.URL.Query().Get("lastEventId")
	if lastID == "" {
		lastID = r.Header.Get("Last-Event-ID")
	}
	seen := -1
	if lastID != "" {
		if n, err := strconv.Atoi(lastID); err == nil {
			seen = n
		}
	}

	progressCh, err := s.service.SubscribeProgress(importID)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case p, ok := <-progressCh:
			if !ok {
				fmt.Fprint(w, "event: complete\ndata: {}\n\n")
				_ = rc.Flush()
				return
			}
			if p.Processed <= seen && !p.Done() {
				continue
			}
			seen = p.Processed

			data, err := json.Marshal(p)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", p.Processed, data)
			if err := rc.Flush(); err != nil {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

// handleImportResult waits for an import to finish and returns its result.
func (s *Server) handleImportResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.ImportResult(r.Context(), chi.URLParam(r, "importID"))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListImports returns recent import runs, newest first.
func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20)
	runs, err := s.service.ListImports(r.Context(), limit)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if runs == nil {
		runs = []ledger.ImportRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// parseIntParam parses a positive integer query parameter with a default.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}
