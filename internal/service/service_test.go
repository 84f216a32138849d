package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/JonMunkholm/partyledger/internal/ledger"
	"github.com/JonMunkholm/partyledger/internal/store/memstore"
)

func newTestService(t *testing.T, opts Options) (*Service, *memstore.Store) {
	t.Helper()
	store, err := memstore.New(1)
	if err != nil {
		t.Fatalf("memstore.New: %v", err)
	}
	opts.BatchDelay = -1
	return New(store, opts), store
}

// gatedStore blocks GenerateID until gate is closed.
type gatedStore struct {
	*memstore.Store
	gate chan struct{}
}

func (g *gatedStore) GenerateID(ctx context.Context, name, phone string) (string, error) {
	<-g.gate
	return g.Store.GenerateID(ctx, name, phone)
}

func records(names ...string) ledger.ParseResult {
	var res ledger.ParseResult
	for _, n := range names {
		res.Records = append(res.Records, ledger.ParsedPartyInput{Name: n, TaxID: "T-" + n, DueAmount: 10})
	}
	return res
}

func TestParseFile(t *testing.T) {
	csv := "Party Name,PAN,Due Amount\nAcme,X1,100\n"

	tests := []struct {
		name    string
		file    string
		wantErr error
		records int
	}{
		{"csv", "parties.csv", nil, 1},
		{"upper case ext", "PARTIES.CSV", nil, 1},
		{"no ext", "parties", nil, 1},
		{"pdf", "parties.pdf", ErrUnsupportedFileType, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseFile(tt.file, strings.NewReader(csv))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseFile err = %v, want %v", err, tt.wantErr)
			}
			if len(res.Records) != tt.records {
				t.Errorf("records = %d, want %d", len(res.Records), tt.records)
			}
		})
	}
}

func TestStartImport_RunsToCompletion(t *testing.T) {
	svc, store := newTestService(t, Options{BatchSize: 2})
	ctx := context.Background()

	parsed := records("A", "B", "C", "a")
	parsed.Errors = []string{"Row 6: Party name is required"}

	id, err := svc.StartImport(ctx, "parties.csv", parsed)
	if err != nil {
		t.Fatalf("StartImport: %v", err)
	}

	res, err := svc.ImportResult(ctx, id)
	if err != nil {
		t.Fatalf("ImportResult: %v", err)
	}
	if res.Outcome.SuccessCount != 3 {
		t.Errorf("SuccessCount = %d, want 3", res.Outcome.SuccessCount)
	}
	if len(res.Outcome.Failed) != 1 || res.Outcome.Failed[0].Kind != ledger.FailureDuplicateName {
		t.Errorf("Failed = %+v, want one duplicate_name failure", res.Outcome.Failed)
	}
	if diff := cmp.Diff(parsed.Errors, res.ParseErrors); diff != "" {
		t.Errorf("ParseErrors mismatch (-want +got):\n%s", diff)
	}

	prog, err := svc.ImportProgress(id)
	if err != nil {
		t.Fatalf("ImportProgress: %v", err)
	}
	if prog.Phase != PhaseComplete || prog.Processed != 4 || prog.Batches != 2 {
		t.Errorf("final progress = %+v", prog)
	}

	runs, err := store.ListImports(ctx, 10)
	if err != nil {
		t.Fatalf("ListImports: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != id || runs[0].Succeeded != 3 || runs[0].ParseErrs != 1 {
		t.Errorf("history = %+v", runs)
	}
}

func TestStartImport_NoRecords(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	_, err := svc.StartImport(context.Background(), "x.csv", ledger.ParseResult{Errors: []string{"File is empty"}, Fatal: true})
	if !errors.Is(err, ErrNoRecords) {
		t.Fatalf("err = %v, want ErrNoRecords", err)
	}
	if !strings.Contains(err.Error(), "File is empty") {
		t.Errorf("err = %q, want parse error text", err)
	}
}

func TestSubscribeProgress(t *testing.T) {
	store, err := memstore.New(1)
	if err != nil {
		t.Fatal(err)
	}
	gated := &gatedStore{Store: store, gate: make(chan struct{})}
	svc := New(gated, Options{BatchSize: 1, BatchDelay: -1})

	id, err := svc.StartImport(context.Background(), "p.csv", records("A", "B", "C"))
	if err != nil {
		t.Fatalf("StartImport: %v", err)
	}

	ch, err := svc.SubscribeProgress(id)
	if err != nil {
		t.Fatalf("SubscribeProgress: %v", err)
	}
	close(gated.gate)

	var last ImportProgress
	n := 0
	for p := range ch {
		last = p
		n++
	}
	if n < 2 {
		t.Errorf("received %d updates, want at least 2", n)
	}
	if last.Phase != PhaseComplete || last.Processed != 3 || last.Succeeded != 3 {
		t.Errorf("last progress = %+v", last)
	}

	// Subscribing after completion yields the final state and a closed channel.
	ch, err = svc.SubscribeProgress(id)
	if err != nil {
		t.Fatalf("SubscribeProgress after finish: %v", err)
	}
	p, ok := <-ch
	if !ok || p.Phase != PhaseComplete {
		t.Errorf("late subscribe = %+v, %v", p, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("late subscription channel not closed")
	}
}

func TestStartImport_LimiterFull(t *testing.T) {
	store, err := memstore.New(1)
	if err != nil {
		t.Fatal(err)
	}
	gated := &gatedStore{Store: store, gate: make(chan struct{})}
	svc := New(gated, Options{MaxConcurrent: 1, MaxWait: 20 * time.Millisecond, BatchDelay: -1})
	ctx := context.Background()

	id, err := svc.StartImport(ctx, "a.csv", records("A"))
	if err != nil {
		t.Fatalf("first StartImport: %v", err)
	}
	if _, err := svc.StartImport(ctx, "b.csv", records("B")); !errors.Is(err, ErrTooManyImports) {
		t.Errorf("second StartImport = %v, want ErrTooManyImports", err)
	}
	if got := svc.LimiterStatus().Active; got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}

	close(gated.gate)
	if _, err := svc.ImportResult(ctx, id); err != nil {
		t.Fatalf("ImportResult: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown = %v", err)
	}
}

func TestImportResult_ContextDone(t *testing.T) {
	store, err := memstore.New(1)
	if err != nil {
		t.Fatal(err)
	}
	gated := &gatedStore{Store: store, gate: make(chan struct{})}
	defer close(gated.gate)
	svc := New(gated, Options{BatchDelay: -1})

	id, err := svc.StartImport(context.Background(), "a.csv", records("A"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := svc.ImportResult(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ImportResult = %v, want DeadlineExceeded", err)
	}
}

func TestUnknownImport(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	if _, err := svc.ImportProgress("nope"); !errors.Is(err, ErrImportNotFound) {
		t.Errorf("ImportProgress = %v, want ErrImportNotFound", err)
	}
	if _, err := svc.SubscribeProgress("nope"); !errors.Is(err, ErrImportNotFound) {
		t.Errorf("SubscribeProgress = %v, want ErrImportNotFound", err)
	}
	if _, err := svc.ImportResult(context.Background(), "nope"); !errors.Is(err, ErrImportNotFound) {
		t.Errorf("ImportResult = %v, want ErrImportNotFound", err)
	}
}

func TestCleanupForgetsImport(t *testing.T) {
	svc, _ := newTestService(t, Options{ResultTTL: 10 * time.Millisecond})
	ctx := context.Background()

	id, err := svc.StartImport(ctx, "a.csv", records("A"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ImportResult(ctx, id); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := svc.ImportProgress(id); errors.Is(err, ErrImportNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("import still tracked after ResultTTL")
}

func TestSnapshotTransferAndDuplicates(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	data := []byte(`{"parties":[["p1",{"id":"p1","pan":"A","name":"Ravi Traders","address":"","phone":"","dueAmount":"5"}],` +
		`["p2",{"id":"p2","pan":"B","name":"ravi traders ","address":"","phone":"","dueAmount":"0"}]],` +
		`"partyVisitRecords":[]}`)
	if err := svc.ImportSnapshot(ctx, data, ledger.ModeOverwrite); err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}

	snap, err := svc.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	if len(snap.Parties) != 2 {
		t.Errorf("parties = %d, want 2", len(snap.Parties))
	}

	groups, err := svc.Duplicates(ctx, 0)
	if err != nil {
		t.Fatalf("Duplicates: %v", err)
	}
	if len(groups) != 1 || !groups[0].Exact || len(groups[0].Parties) != 2 {
		t.Errorf("groups = %+v", groups)
	}

	if err := svc.ImportSnapshot(ctx, []byte(`{"parties":7}`), ledger.ModeMerge); !errors.Is(err, ledger.ErrTransferFormat) {
		t.Errorf("bad snapshot = %v, want ErrTransferFormat", err)
	}
}

func TestAddVisit(t *testing.T) {
	svc, store := newTestService(t, Options{})
	ctx := context.Background()

	id, err := store.GenerateID(ctx, "A", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateParty(ctx, id, ledger.PartyFields{Name: "A"}); err != nil {
		t.Fatal(err)
	}

	if err := svc.AddVisit(ctx, ledger.VisitRecord{PartyID: id, Amount: -1}); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("negative amount = %v, want ErrNegativeAmount", err)
	}
	if err := svc.AddVisit(ctx, ledger.VisitRecord{PartyID: "missing", Amount: 1}); !errors.Is(err, ledger.ErrPartyNotFound) {
		t.Errorf("missing party = %v, want ErrPartyNotFound", err)
	}
	if err := svc.AddVisit(ctx, ledger.VisitRecord{PartyID: id, Amount: 5, PaymentTime: 1}); err != nil {
		t.Errorf("AddVisit = %v", err)
	}
	if err := svc.Ping(ctx); err != nil {
		t.Errorf("Ping = %v", err)
	}
}
