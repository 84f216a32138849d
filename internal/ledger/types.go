package ledger

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Optional holds a value whose presence is explicit.
// It follows the same Valid convention as pgtype: the zero value is "absent".
type Optional[T any] struct {
	Value T
	Valid bool
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Valid: true}
}

// None returns an absent Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.Value, o.Valid
}

// Extra carries wire fields this version does not recognize so they
// survive a decode/encode cycle unchanged.
type Extra map[string]json.RawMessage

// PartyRecord is a tracked customer with a due balance.
type PartyRecord struct {
	ID        string
	Name      string
	Address   string
	Phone     string
	TaxID     string // PAN
	DueAmount int64  // whole currency units, never negative
	Extra     Extra
}

// Location is a latitude/longitude pair attached to a visit.
type Location struct {
	Latitude  float64
	Longitude float64
}

// VisitRecord is one dated payment or visit against a party.
// Timestamps are nanoseconds since the Unix epoch.
type VisitRecord struct {
	PartyID         string
	Amount          int64
	Comment         string
	PaymentTime     int64
	NextPaymentTime Optional[int64]
	Location        Optional[Location]
	Extra           Extra
}

// PaymentAt returns the payment timestamp as a time.Time.
func (v VisitRecord) PaymentAt() time.Time {
	return time.Unix(0, v.PaymentTime).UTC()
}

// Branding is the shop display configuration.
type Branding struct {
	Name  Optional[string]
	Logo  Optional[string] // blob reference or URL
	Extra Extra
}

// Snapshot is one point-in-time copy of the whole dataset.
type Snapshot struct {
	Parties      map[string]PartyRecord
	VisitRecords map[string][]VisitRecord
	Branding     Optional[Branding]
	Extra        Extra
}

// NewSnapshot returns an empty snapshot with initialized maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		Parties:      make(map[string]PartyRecord),
		VisitRecords: make(map[string][]VisitRecord),
	}
}

// Clone returns a deep copy of s. The copy shares no maps or slices with s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Parties:      make(map[string]PartyRecord, len(s.Parties)),
		VisitRecords: make(map[string][]VisitRecord, len(s.VisitRecords)),
		Extra:        s.Extra.clone(),
	}
	for id, p := range s.Parties {
		p.Extra = p.Extra.clone()
		out.Parties[id] = p
	}
	for id, visits := range s.VisitRecords {
		out.VisitRecords[id] = cloneVisits(visits)
	}
	if b, ok := s.Branding.Get(); ok {
		b.Extra = b.Extra.clone()
		out.Branding = Some(b)
	}
	return out
}

// OrphanedVisits returns the party ids that have visit records but no party.
func (s Snapshot) OrphanedVisits() []string {
	var ids []string
	for id := range s.VisitRecords {
		if _, ok := s.Parties[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func cloneVisits(visits []VisitRecord) []VisitRecord {
	if visits == nil {
		return nil
	}
	out := make([]VisitRecord, len(visits))
	for i, v := range visits {
		v.Extra = v.Extra.clone()
		out[i] = v
	}
	return out
}

func (e Extra) clone() Extra {
	if e == nil {
		return nil
	}
	out := make(Extra, len(e))
	for k, v := range e {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// ParsedPartyInput is a validated CSV row that has not been given an id yet.
type ParsedPartyInput struct {
	Name      string `json:"name" yaml:"name"`
	Address   string `json:"address" yaml:"address"`
	Phone     string `json:"phone" yaml:"phone"`
	TaxID     string `json:"pan" yaml:"pan"`
	DueAmount int64  `json:"dueAmount,string" yaml:"dueAmount"`
}

// ParseResult is the output of the CSV/XLSX parser.
// Records and Errors are both populated in a single pass.
type ParseResult struct {
	Records []ParsedPartyInput `json:"records"`
	Errors  []string           `json:"errors"`
	// Fatal is set when the header could not be used and no rows were read.
	Fatal bool `json:"fatal,omitempty"`
}

// TotalDue sums the due amounts of all parsed records. The sum is exact
// even when it exceeds int64.
func (r ParseResult) TotalDue() decimal.Decimal {
	total := decimal.Zero
	for _, rec := range r.Records {
		total = total.Add(decimal.NewFromInt(rec.DueAmount))
	}
	return total
}

// FailureKind classifies why a record could not be submitted.
type FailureKind string

const (
	FailureDuplicateName FailureKind = "duplicate_name"
	FailureNetwork       FailureKind = "network"
	FailureTimeout       FailureKind = "timeout"
	FailureUnknown       FailureKind = "unknown"
)

// FailureStage is the step of submission at which a record failed.
type FailureStage string

const (
	StageAllocate FailureStage = "allocate"
	StageCreate   FailureStage = "create"
)

// RecordFailure describes one record dropped during submission.
type RecordFailure struct {
	Name   string       `json:"name" yaml:"name"`
	Reason string       `json:"reason" yaml:"reason"`
	Kind   FailureKind  `json:"kind" yaml:"kind"`
	Stage  FailureStage `json:"stage" yaml:"stage"`
	// AllocatedID is set when allocation succeeded but creation failed.
	AllocatedID string `json:"allocatedId,omitempty" yaml:"allocatedId,omitempty"`
}

// ImportOutcome is the result of submitting a set of parsed records.
type ImportOutcome struct {
	SuccessCount int             `json:"successCount" yaml:"successCount"`
	Failed       []RecordFailure `json:"failed" yaml:"failed"`
}

// Total returns the number of records that were submitted.
func (o ImportOutcome) Total() int {
	return o.SuccessCount + len(o.Failed)
}

// Progress is reported after each batch settles.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Batch     int `json:"batch"`
	Batches   int `json:"batches"`
}

// Percent returns the progress as a percentage (0-100).
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 100
	}
	return (p.Processed * 100) / p.Total
}

// ProgressFunc receives progress after each batch.
type ProgressFunc func(Progress)
