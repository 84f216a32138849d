package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/partyledger/internal/ledger"
)

// maxJSONBody bounds small JSON request bodies.
const maxJSONBody = 1 << 20

type allocateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type allocateResponse struct {
	ID string `json:"id"`
}

// readBody reads at most limit bytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// handleAllocateID validates a party name and reserves a new id for it.
func (s *Server) handleAllocateID(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	body, err := readBody(w, r, maxJSONBody)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, r, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err), 0)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, r, fmt.Errorf("%w: name is required", errBadRequest), 0)
		return
	}

	id, err := s.service.Store().GenerateID(r.Context(), req.Name, req.Phone)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, allocateResponse{ID: id})
}

// handleCreateParty creates a party under a previously allocated id. The
// body is a party object in the transfer format.
func (s *Server) handleCreateParty(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, maxJSONBody)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	p, err := ledger.DecodeParty(body)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	fields := ledger.PartyFields{
		Name:      p.Name,
		Address:   p.Address,
		Phone:     p.Phone,
		TaxID:     p.TaxID,
		DueAmount: p.DueAmount,
	}
	if err := s.service.Store().CreateParty(r.Context(), p.ID, fields); err != nil {
		respondError(w, r, err, 0)
		return
	}

	data, err := ledger.EncodeParty(fields.Record(p.ID))
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeRawJSON(w, http.StatusCreated, data)
}

// handleListParties returns all parties as [[id, party], ...] in store order.
func (s *Server) handleListParties(w http.ResponseWriter, r *http.Request) {
	parties, err := s.service.Parties(r.Context())
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	data, err := ledger.EncodePartyList(parties)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeRawJSON(w, http.StatusOK, data)
}

// handleGetSnapshot returns the whole dataset in the transfer format.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
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
	writeRawJSON(w, http.StatusOK, data)
}

// handlePutSnapshot replaces the whole dataset with the request body.
func (s *Server) handlePutSnapshot(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, s.cfg.Import.MaxFileSize)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	snap, err := ledger.DecodeSnapshot(body)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if err := s.service.Store().ApplySnapshot(r.Context(), snap); err != nil {
		respondError(w, r, fmt.Errorf("%w: apply: %w", ledger.ErrRemoteUnavailable, err), 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAddVisit appends a visit record. The body is a visit object in
// the transfer format.
func (s *Server) handleAddVisit(w http.ResponseWriter, r *http.Request) {
	partyID := chi.URLParam(r, "partyID")
	body, err := readBody(w, r, maxJSONBody)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	v, err := ledger.DecodeVisit(partyID, body)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if err := s.service.AddVisit(r.Context(), v); err != nil {
		respondError(w, r, err, 0)
		return
	}

	data, err := ledger.EncodeVisit(v)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeRawJSON(w, http.StatusCreated, data)
}
