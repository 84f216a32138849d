package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// fakeStore is an in-process Store for tests. Hooks let a test inject
// failures for specific names.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int
	snap     Snapshot
	allocErr func(name string) error
	createFn func(id string, f PartyFields) error

	exportErr error
	applyErr  error

	exports  atomic.Int32
	applies  atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{snap: NewSnapshot()}
}

func (s *fakeStore) track() func() {
	n := s.inFlight.Add(1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { s.inFlight.Add(-1) }
}

func (s *fakeStore) GenerateID(ctx context.Context, name, phone string) (string, error) {
	defer s.track()()
	if s.allocErr != nil {
		if err := s.allocErr(name); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.snap.Parties {
		if NormalizeName(p.Name) == NormalizeName(name) {
			return "", fmt.Errorf("generate id for %q: %w", name, ErrDuplicateName)
		}
	}
	s.nextID++
	return fmt.Sprintf("P%04d", s.nextID), nil
}

func (s *fakeStore) CreateParty(ctx context.Context, id string, f PartyFields) error {
	defer s.track()()
	if s.createFn != nil {
		if err := s.createFn(id, f); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snap.Parties[id]; ok {
		return ErrPartyExists
	}
	s.snap.Parties[id] = f.Record(id)
	return nil
}

func (s *fakeStore) GetAllParties(ctx context.Context) ([]PartyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PartyEntry, 0, len(s.snap.Parties))
	for id, p := range s.snap.Parties {
		out = append(out, PartyEntry{ID: id, Party: p})
	}
	slices.SortFunc(out, func(a, b PartyEntry) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *fakeStore) ExportSnapshot(ctx context.Context) (Snapshot, error) {
	s.exports.Add(1)
	if s.exportErr != nil {
		return Snapshot{}, s.exportErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone(), nil
}

func (s *fakeStore) ApplySnapshot(ctx context.Context, snap Snapshot) error {
	s.applies.Add(1)
	if s.applyErr != nil {
		return s.applyErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap.Clone()
	return nil
}

var errFakeNetwork = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
