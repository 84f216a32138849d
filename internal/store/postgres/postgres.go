// Package postgres is a PostgreSQL-backed record store.
//
// Parties, visit records, branding and id allocations live in ordinary
// tables (see migrations/). Snapshot writes replace every table inside one
// transaction using COPY; snapshot reads run in a read-only REPEATABLE READ
// transaction so the result is consistent.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/partyledger/internal/ledger"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultReservationTTL is how long an unused allocation holds its name.
const DefaultReservationTTL = 2 * time.Minute

// Store implements ledger.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	node *snowflake.Node
	ttl  time.Duration
}

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

var (
	_ ledger.Store         = (*Store)(nil)
	_ ledger.ImportHistory = (*Store)(nil)
	_ ledger.VisitRecorder = (*Store)(nil)
)

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string, pc PoolConfig, nodeID int64, opts ...Option) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if pc.MaxConns > 0 {
		poolConfig.MaxConns = int32(pc.MaxConns)
	}
	if pc.MinConns > 0 {
		poolConfig.MinConns = int32(pc.MinConns)
	}
	if pc.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = pc.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s, err := New(pool, nodeID, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, nodeID int64, opts ...Option) (*Store, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	s := &Store{pool: pool, node: node, ttl: DefaultReservationTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// lockName serializes allocation and creation for one normalized name
// until the transaction ends.
func lockName(ctx context.Context, tx pgx.Tx, nameKey string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, nameKey)
	return err
}

// nameTaken reports whether a party, or a pending allocation younger than
// ttl, other than exceptID uses nameKey.
func nameTaken(ctx context.Context, db DBTX, nameKey, exceptID string, ttl time.Duration) (bool, error) {
	var taken bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM parties WHERE name_key = $1 AND id <> $2)
		    OR EXISTS (SELECT 1 FROM party_id_allocations
		               WHERE name_key = $1 AND used_at IS NULL AND id <> $2
		                 AND allocated_at > now() - $3::bigint * interval '1 microsecond')`,
		nameKey, exceptID, ttl.Microseconds(),
	).Scan(&taken)
	return taken, err
}

// GenerateID allocates a new party id and reserves name until the id is
// used by CreateParty or the reservation TTL passes.
func (s *Store) GenerateID(ctx context.Context, name, phone string) (string, error) {
	key := ledger.NormalizeName(name)
	if key == "" {
		return "", fmt.Errorf("generate id: name is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockName(ctx, tx, key); err != nil {
		return "", fmt.Errorf("lock name: %w", err)
	}
	taken, err := nameTaken(ctx, tx, key, "", s.ttl)
	if err != nil {
		return "", fmt.Errorf("check name: %w", err)
	}
	if taken {
		return "", fmt.Errorf("generate id for %q: %w", name, ledger.ErrDuplicateName)
	}

	id := s.node.Generate().String()
	if _, err := tx.Exec(ctx,
		`INSERT INTO party_id_allocations (id, name_key, phone) VALUES ($1, $2, $3)`,
		id, key, phone,
	); err != nil {
		return "", fmt.Errorf("insert allocation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// CreateParty stores a party under an id returned by GenerateID.
func (s *Store) CreateParty(ctx context.Context, id string, f ledger.PartyFields) error {
	key := ledger.NormalizeName(f.Name)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockName(ctx, tx, key); err != nil {
		return fmt.Errorf("lock name: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM parties WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check party: %w", err)
	}
	if exists {
		return fmt.Errorf("create party %s: %w", id, ledger.ErrPartyExists)
	}

	var used bool
	err = tx.QueryRow(ctx,
		`SELECT used_at IS NOT NULL FROM party_id_allocations WHERE id = $1 FOR UPDATE`, id,
	).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("create party %s: id was not allocated: %w", id, ledger.ErrPartyNotFound)
	}
	if err != nil {
		return fmt.Errorf("check allocation: %w", err)
	}
	if used {
		return fmt.Errorf("create party %s: %w", id, ledger.ErrPartyExists)
	}

	taken, err := nameTaken(ctx, tx, key, id, s.ttl)
	if err != nil {
		return fmt.Errorf("check name: %w", err)
	}
	if taken {
		return fmt.Errorf("create party %q: %w", f.Name, ledger.ErrDuplicateName)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO parties (id, name, name_key, address, phone, pan, due_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, f.Name, key, f.Address, f.Phone, f.TaxID, f.DueAmount,
	); err != nil {
		return fmt.Errorf("insert party: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE party_id_allocations SET used_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark allocation used: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetAllParties returns parties in creation order.
func (s *Store) GetAllParties(ctx context.Context) ([]ledger.PartyEntry, error) {
	parties, err := queryParties(ctx, s.pool)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.PartyEntry, len(parties))
	for i, p := range parties {
		out[i] = ledger.PartyEntry{ID: p.ID, Party: p}
	}
	return out, nil
}

func queryParties(ctx context.Context, db DBTX) ([]ledger.PartyRecord, error) {
	rows, err := db.Query(ctx, `
		SELECT id, name, address, phone, pan, due_amount, extra
		FROM parties ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query parties: %w", err)
	}
	defer rows.Close()

	var out []ledger.PartyRecord
	for rows.Next() {
		var p ledger.PartyRecord
		var extra []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Address, &p.Phone, &p.TaxID, &p.DueAmount, &extra); err != nil {
			return nil, fmt.Errorf("scan party: %w", err)
		}
		if p.Extra, err = decodeExtra(extra); err != nil {
			return nil, fmt.Errorf("party %s extra: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ExportSnapshot reads every table in one consistent read-only transaction.
func (s *Store) ExportSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	snap := ledger.NewSnapshot()

	parties, err := queryParties(ctx, tx)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	for _, p := range parties {
		snap.Parties[p.ID] = p
	}

	if snap.VisitRecords, err = queryVisits(ctx, tx); err != nil {
		return ledger.Snapshot{}, err
	}
	if snap.Branding, err = queryBranding(ctx, tx); err != nil {
		return ledger.Snapshot{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("commit: %w", err)
	}
	return snap, nil
}

func queryVisits(ctx context.Context, db DBTX) (map[string][]ledger.VisitRecord, error) {
	rows, err := db.Query(ctx, `
		SELECT party_id, amount, comment, payment_time, next_payment_time, latitude, longitude, extra
		FROM visit_records ORDER BY party_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]ledger.VisitRecord)
	for rows.Next() {
		var (
			v        ledger.VisitRecord
			next     *int64
			lat, lng *float64
			extra    []byte
		)
		if err := rows.Scan(&v.PartyID, &v.Amount, &v.Comment, &v.PaymentTime, &next, &lat, &lng, &extra); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		if next != nil {
			v.NextPaymentTime = ledger.Some(*next)
		}
		if lat != nil && lng != nil {
			v.Location = ledger.Some(ledger.Location{Latitude: *lat, Longitude: *lng})
		}
		if v.Extra, err = decodeExtra(extra); err != nil {
			return nil, fmt.Errorf("visit extra: %w", err)
		}
		out[v.PartyID] = append(out[v.PartyID], v)
	}
	return out, rows.Err()
}

func queryBranding(ctx context.Context, db DBTX) (ledger.Optional[ledger.Branding], error) {
	var (
		name, logo *string
		extra      []byte
	)
	err := db.QueryRow(ctx, `SELECT name, logo, extra FROM branding WHERE singleton`).Scan(&name, &logo, &extra)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.None[ledger.Branding](), nil
	}
	if err != nil {
		return ledger.None[ledger.Branding](), fmt.Errorf("query branding: %w", err)
	}

	var b ledger.Branding
	if name != nil {
		b.Name = ledger.Some(*name)
	}
	if logo != nil {
		b.Logo = ledger.Some(*logo)
	}
	if b.Extra, err = decodeExtra(extra); err != nil {
		return ledger.None[ledger.Branding](), fmt.Errorf("branding extra: %w", err)
	}
	return ledger.Some(b), nil
}

// ApplySnapshot replaces parties, visit records and branding in one
// transaction. Pending id allocations are kept.
func (s *Store) ApplySnapshot(ctx context.Context, snap ledger.Snapshot) error {
	partyRows, err := partyCopyRows(snap.Parties)
	if err != nil {
		return err
	}
	visitRows, err := visitCopyRows(snap.VisitRecords)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM visit_records`,
		`DELETE FROM parties`,
		`DELETE FROM branding`,
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clear tables: %w", err)
		}
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"parties"},
		[]string{"id", "name", "name_key", "address", "phone", "pan", "due_amount", "extra"},
		pgx.CopyFromRows(partyRows),
	); err != nil {
		return fmt.Errorf("copy parties: %w", err)
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"visit_records"},
		[]string{"party_id", "seq", "amount", "comment", "payment_time", "next_payment_time", "latitude", "longitude", "extra"},
		pgx.CopyFromRows(visitRows),
	); err != nil {
		return fmt.Errorf("copy visit records: %w", err)
	}

	if b, ok := snap.Branding.Get(); ok {
		extra, err := encodeExtra(b.Extra)
		if err != nil {
			return fmt.Errorf("branding extra: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO branding (singleton, name, logo, extra) VALUES (TRUE, $1, $2, $3)`,
			optionalPtr(b.Name), optionalPtr(b.Logo), extra,
		); err != nil {
			return fmt.Errorf("insert branding: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func partyCopyRows(parties map[string]ledger.PartyRecord) ([][]any, error) {
	ids := make([]string, 0, len(parties))
	for id := range parties {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	rows := make([][]any, 0, len(ids))
	for _, id := range ids {
		p := parties[id]
		if p.ID != id {
			return nil, fmt.Errorf("apply snapshot: party %q under id %q", p.ID, id)
		}
		extra, err := encodeExtra(p.Extra)
		if err != nil {
			return nil, fmt.Errorf("party %s extra: %w", id, err)
		}
		rows = append(rows, []any{
			p.ID, p.Name, ledger.NormalizeName(p.Name), p.Address, p.Phone, p.TaxID, p.DueAmount, extra,
		})
	}
	return rows, nil
}

func visitCopyRows(visits map[string][]ledger.VisitRecord) ([][]any, error) {
	ids := make([]string, 0, len(visits))
	for id := range visits {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var rows [][]any
	for _, id := range ids {
		for seq, v := range visits[id] {
			extra, err := encodeExtra(v.Extra)
			if err != nil {
				return nil, fmt.Errorf("visit %s/%d extra: %w", id, seq, err)
			}
			row := []any{id, int32(seq), v.Amount, v.Comment, v.PaymentTime, nil, nil, nil, extra}
			if next, ok := v.NextPaymentTime.Get(); ok {
				row[5] = next
			}
			if loc, ok := v.Location.Get(); ok {
				row[6], row[7] = loc.Latitude, loc.Longitude
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// AddVisit appends a visit record for an existing party.
func (s *Store) AddVisit(ctx context.Context, v ledger.VisitRecord) error {
	extra, err := encodeExtra(v.Extra)
	if err != nil {
		return fmt.Errorf("visit extra: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var found string
	err = tx.QueryRow(ctx, `SELECT id FROM parties WHERE id = $1 FOR UPDATE`, v.PartyID).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("add visit for %s: %w", v.PartyID, ledger.ErrPartyNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock party: %w", err)
	}

	var next *int64
	if n, ok := v.NextPaymentTime.Get(); ok {
		next = &n
	}
	var lat, lng *float64
	if loc, ok := v.Location.Get(); ok {
		lat, lng = &loc.Latitude, &loc.Longitude
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO visit_records
			(party_id, seq, amount, comment, payment_time, next_payment_time, latitude, longitude, extra)
		SELECT $1, COALESCE(MAX(seq) + 1, 0), $2, $3, $4, $5, $6, $7, $8
		FROM visit_records WHERE party_id = $1`,
		v.PartyID, v.Amount, v.Comment, v.PaymentTime, next, lat, lng, extra,
	); err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecordImport stores a finished import run.
func (s *Store) RecordImport(ctx context.Context, run ledger.ImportRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_runs (id, file_name, started_at, finished_at, total, succeeded, failed, parse_errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.FileName, run.StartedAt, run.FinishedAt, run.Total, run.Succeeded, run.Failed, run.ParseErrs,
	)
	if err != nil {
		return fmt.Errorf("insert import run: %w", err)
	}
	return nil
}

// ListImports returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListImports(ctx context.Context, limit int) ([]ledger.ImportRun, error) {
	query := `
		SELECT id, file_name, started_at, finished_at, total, succeeded, failed, parse_errors
		FROM import_runs ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query import runs: %w", err)
	}
	defer rows.Close()

	var out []ledger.ImportRun
	for rows.Next() {
		var r ledger.ImportRun
		if err := rows.Scan(&r.ID, &r.FileName, &r.StartedAt, &r.FinishedAt, &r.Total, &r.Succeeded, &r.Failed, &r.ParseErrs); err != nil {
			return nil, fmt.Errorf("scan import run: %w", err)
		}
		r.Duration = r.FinishedAt.Sub(r.StartedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// encodeExtra returns the JSONB value for e, or nil for SQL NULL.
func encodeExtra(e ledger.Extra) (any, error) {
	if len(e) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func decodeExtra(b []byte) (ledger.Extra, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var e ledger.Extra
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return e, nil
}

func optionalPtr(o ledger.Optional[string]) *string {
	if v, ok := o.Get(); ok {
		return &v
	}
	return nil
}
