package ledger

import (
	"context"
	"errors"
)

// Store errors. Implementations wrap these so callers can use errors.Is.
var (
	ErrDuplicateName = errors.New("a party with this name already exists")
	ErrPartyExists   = errors.New("party id already exists")
	ErrPartyNotFound = errors.New("party not found")
)

// PartyFields is the data supplied when creating a party.
type PartyFields struct {
	Name      string
	Address   string
	Phone     string
	TaxID     string
	DueAmount int64
}

// Fields converts a parsed row into creation fields.
func (p ParsedPartyInput) Fields() PartyFields {
	return PartyFields{
		Name:      p.Name,
		Address:   p.Address,
		Phone:     p.Phone,
		TaxID:     p.TaxID,
		DueAmount: p.DueAmount,
	}
}

// Record builds the stored form of the party under id.
func (f PartyFields) Record(id string) PartyRecord {
	return PartyRecord{
		ID:        id,
		Name:      f.Name,
		Address:   f.Address,
		Phone:     f.Phone,
		TaxID:     f.TaxID,
		DueAmount: f.DueAmount,
	}
}

// PartyEntry is an (id, party) pair in store order.
type PartyEntry struct {
	ID    string
	Party PartyRecord
}

// PartyCreator allocates ids and creates parties.
// The batch importer only needs this half of the store.
type PartyCreator interface {
	// GenerateID validates name and allocates a new party id.
	// Returns an error wrapping ErrDuplicateName if the name is taken.
	GenerateID(ctx context.Context, name, phone string) (string, error)
	CreateParty(ctx context.Context, id string, fields PartyFields) error
}

// SnapshotStore reads and replaces the whole dataset.
type SnapshotStore interface {
	ExportSnapshot(ctx context.Context) (Snapshot, error)
	// ApplySnapshot replaces all parties, visit records and branding.
	ApplySnapshot(ctx context.Context, snap Snapshot) error
}

// VisitRecorder appends visit records to existing parties.
type VisitRecorder interface {
	AddVisit(ctx context.Context, v VisitRecord) error
}

// Store is the remote record store the pipeline runs against.
// The store is the caller's capability: whoever holds it is authorized
// to perform these operations.
type Store interface {
	PartyCreator
	SnapshotStore
	GetAllParties(ctx context.Context) ([]PartyEntry, error)
}
