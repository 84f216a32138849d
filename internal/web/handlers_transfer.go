package web

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/partyledger/internal/ledger"
)

// ExportFileName is the download name of the transfer file.
const ExportFileName = "party-ledger-export.json"

// handleTransferExport downloads the whole dataset as a transfer file.
func (s *Server) handleTransferExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.ExportSnapshot(r.Context())
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	data, err := ledger.EncodeSnapshot(snap)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, ExportFileName))
	writeRawJSON(w, http.StatusOK, data)
}

// handleTransferImport applies an uploaded transfer file with the mode
// given in the query. The file may be the raw request body or the "file"
// field of a multipart form.
func (s *Server) handleTransferImport(w http.ResponseWriter, r *http.Request) {
	mode, err := ledger.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	data, err := s.readTransferFile(w, r)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	if err := s.service.ImportSnapshot(r.Context(), data, mode); err != nil {
		respondError(w, r, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) readTransferFile(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return readBody(w, r, s.cfg.Import.MaxFileSize)
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, fmt.Errorf("%w: file too large or invalid form: %w", errBadRequest, err)
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("%w: no file provided", errBadRequest)
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return buf.Bytes(), nil
}

// handleDuplicates reports groups of parties with alike names. The
// optional threshold query parameter is a similarity in (0, 1].
func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	threshold := ledger.DefaultSimilarity
	if v := r.URL.Query().Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			respondError(w, r, fmt.Errorf("%w: threshold must be in (0, 1]", errBadRequest), 0)
			return
		}
		threshold = f
	}

	groups, err := s.service.Duplicates(r.Context(), threshold)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if groups == nil {
		groups = []ledger.DuplicateGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func csvAttachment(w http.ResponseWriter, prefix string) {
	name := fmt.Sprintf("%s_%s.csv", prefix, time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
}

// handleExportPartiesCSV downloads all parties as CSV.
func (s *Server) handleExportPartiesCSV(w http.ResponseWriter, r *http.Request) {
	parties, err := s.service.Parties(r.Context())
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	csvAttachment(w, "parties")
	if err := ledger.WritePartiesCSV(w, parties); err != nil {
		// Headers are already sent.
		logWriteError(r, err)
	}
}

// handleExportVisitsCSV downloads all visit records as CSV.
func (s *Server) handleExportVisitsCSV(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.ExportSnapshot(r.Context())
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	csvAttachment(w, "visits")
	if err := ledger.WriteVisitsCSV(w, snap); err != nil {
		logWriteError(r, err)
	}
}

// handleHealth reports store reachability and import slot usage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"imports": s.service.LimiterStatus(),
	}
	if err := s.service.Ping(r.Context()); err != nil {
		status["status"] = "unavailable"
		status["error"] = ledger.MapError(err).Message
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
