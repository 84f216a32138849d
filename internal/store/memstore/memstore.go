// Package memstore is an in-memory record store.
//
// It backs the server when no database is configured and serves as the
// reference implementation of ledger.Store in tests. Data does not survive
// a restart.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/JonMunkholm/partyledger/internal/ledger"
)

// maxHistory bounds the number of import runs kept.
const maxHistory = 100

// DefaultReservationTTL is how long an unused allocation holds its name.
const DefaultReservationTTL = 2 * time.Minute

// Store is a mutex-guarded ledger.Store.
//
// GenerateID reserves the name until the id is used by CreateParty or the
// reservation TTL passes, so two concurrent allocations for the same name
// cannot both succeed while an abandoned one does not block retries.
type Store struct {
	node *snowflake.Node
	ttl  time.Duration
	now  func() time.Time

	mu       sync.RWMutex
	parties  map[string]ledger.PartyRecord
	order    []string          // party ids in creation order
	reserved map[string]reservation // keyed by allocated id
	visits   map[string][]ledger.VisitRecord
	branding ledger.Optional[ledger.Branding]
	history  []ledger.ImportRun // newest last
}

type reservation struct {
	name string // normalized
	at   time.Time
}

var (
	_ ledger.Store         = (*Store)(nil)
	_ ledger.ImportHistory = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithReservationTTL sets how long an allocated but unused id holds its
// name. Non-positive values keep the default.
func WithReservationTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// New creates an empty store. nodeID identifies this process in generated
// ids and must be unique among processes sharing an id space (0-1023).
func New(nodeID int64, opts ...Option) (*Store, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	s := &Store{
		node:     node,
		ttl:      DefaultReservationTTL,
		now:      time.Now,
		parties:  make(map[string]ledger.PartyRecord),
		reserved: make(map[string]reservation),
		visits:   make(map[string][]ledger.VisitRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// nameTakenLocked reports whether name is used by a party or an allocation
// younger than the reservation TTL. Caller must hold mu.
func (s *Store) nameTakenLocked(name, exceptID string) bool {
	norm := ledger.NormalizeName(name)
	for id, p := range s.parties {
		if id != exceptID && ledger.NormalizeName(p.Name) == norm {
			return true
		}
	}
	cutoff := s.now().Add(-s.ttl)
	for id, r := range s.reserved {
		if id != exceptID && r.name == norm && r.at.After(cutoff) {
			return true
		}
	}
	return false
}

// GenerateID allocates a new party id for name.
func (s *Store) GenerateID(ctx context.Context, name, phone string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("generate id: name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nameTakenLocked(name, "") {
		return "", fmt.Errorf("generate id for %q: %w", name, ledger.ErrDuplicateName)
	}
	id := s.node.Generate().String()
	s.reserved[id] = reservation{name: ledger.NormalizeName(name), at: s.now()}
	return id, nil
}

// CreateParty stores a party under a previously allocated id.
func (s *Store) CreateParty(ctx context.Context, id string, fields ledger.PartyFields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fields.DueAmount < 0 {
		return fmt.Errorf("create party %s: due amount must not be negative", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.parties[id]; ok {
		return fmt.Errorf("create party %s: %w", id, ledger.ErrPartyExists)
	}
	if _, ok := s.reserved[id]; !ok {
		return fmt.Errorf("create party %s: id was not allocated: %w", id, ledger.ErrPartyNotFound)
	}
	if s.nameTakenLocked(fields.Name, id) {
		return fmt.Errorf("create party %q: %w", fields.Name, ledger.ErrDuplicateName)
	}

	delete(s.reserved, id)
	s.parties[id] = fields.Record(id)
	s.order = append(s.order, id)
	return nil
}

// GetAllParties returns parties in creation order. Parties loaded from a
// snapshot come first, ordered by id.
func (s *Store) GetAllParties(ctx context.Context) ([]ledger.PartyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.PartyEntry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, ledger.PartyEntry{ID: id, Party: s.parties[id]})
	}
	return out, nil
}

// ExportSnapshot returns a deep copy of the current data.
func (s *Store) ExportSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := ledger.Snapshot{
		Parties:      s.parties,
		VisitRecords: s.visits,
		Branding:     s.branding,
	}
	return snap.Clone(), nil
}

// ApplySnapshot replaces all parties, visit records and branding.
// Pending id allocations are kept.
func (s *Store) ApplySnapshot(ctx context.Context, snap ledger.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, p := range snap.Parties {
		if p.ID != id {
			return fmt.Errorf("apply snapshot: party %q under id %q", p.ID, id)
		}
	}

	c := snap.Clone()
	order := make([]string, 0, len(c.Parties))
	for id := range c.Parties {
		order = append(order, id)
	}
	slices.Sort(order)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.parties = c.Parties
	s.visits = c.VisitRecords
	s.branding = c.Branding
	s.order = order
	return nil
}

// AddVisit appends a visit record for an existing party.
func (s *Store) AddVisit(ctx context.Context, v ledger.VisitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parties[v.PartyID]; !ok {
		return fmt.Errorf("add visit for %s: %w", v.PartyID, ledger.ErrPartyNotFound)
	}
	s.visits[v.PartyID] = append(s.visits[v.PartyID], v)
	return nil
}

// RecordImport appends run to the import history.
func (s *Store) RecordImport(ctx context.Context, run ledger.ImportRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, run)
	if len(s.history) > maxHistory {
		s.history = slices.Clone(s.history[len(s.history)-maxHistory:])
	}
	return nil
}

// ListImports returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListImports(ctx context.Context, limit int) ([]ledger.ImportRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ledger.ImportRun, 0, n)
	for i := len(s.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.history[i])
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}
