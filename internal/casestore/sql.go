package casestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/platform/sqldb"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

const currentSnapshotKey = "current_snapshot"

const selectSnapshotByNameQuery = `SELECT id, name, version, created_at, sealed FROM snapshots WHERE name = $1`

const insertSnapshotQuery = `INSERT INTO snapshots (id, name, version, created_at, sealed)
	VALUES ($1,$2,0,$3,FALSE)
	ON CONFLICT (name) DO NOTHING`

const listSnapshotsQuery = `SELECT id, name, version, created_at, sealed FROM snapshots ORDER BY created_at, name`

const upsertStateQuery = `INSERT INTO store_state (key, value) VALUES ($1,$2)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value`

const selectStateQuery = `SELECT value FROM store_state WHERE key = $1`

const bumpVersionQuery = `UPDATE snapshots SET version = version + 1 WHERE id = $1`

const sealSnapshotQuery = `UPDATE snapshots SET sealed = TRUE WHERE id = $1`

const upsertRealizationQuery = `INSERT INTO realization_data (snapshot_id, realization, parameters, results, updated_at)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (snapshot_id, realization) DO UPDATE SET
		parameters = excluded.parameters,
		results = excluded.results,
		updated_at = excluded.updated_at`

const selectRealizationsQuery = `SELECT realization, parameters, results FROM realization_data
	WHERE snapshot_id = $1 ORDER BY realization`

// SQLStore persists snapshots in PostgreSQL or SQLite.
type SQLStore struct {
	db      DB
	dialect sqldb.Dialect
	now     func() time.Time
}

func NewSQLStore(db DB, dialect sqldb.Dialect) *SQLStore {
	if db == nil {
		return nil
	}
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// Migrate creates the case store tables when they are missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	jsonType := s.dialect.JSONType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			sealed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS realization_data (
			snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
			realization INTEGER NOT NULL,
			parameters %[1]s NOT NULL,
			results %[1]s NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (snapshot_id, realization)
		)`, jsonType),
		`CREATE TABLE IF NOT EXISTS store_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate case store: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (domain.Snapshot, bool, error) {
	var snap domain.Snapshot
	var sealed bool
	if err := row.Scan(&snap.ID, &snap.Name, &snap.Version, &snap.CreatedAt, &sealed); err != nil {
		return domain.Snapshot{}, false, err
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	return snap, sealed, nil
}

func (s *SQLStore) byName(ctx context.Context, name string) (domain.Snapshot, bool, error) {
	snap, sealed, err := scanSnapshot(s.db.QueryRowContext(ctx, s.q(selectSnapshotByNameQuery), name))
	if err != nil {
		return domain.Snapshot{}, false, handleNotFound(err, name)
	}
	return snap, sealed, nil
}

func (s *SQLStore) GetSnapshot(ctx context.Context, name string) (domain.Snapshot, error) {
	name, err := validateName(name)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if snap, _, err := s.byName(ctx, name); err == nil {
		return snap, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Snapshot{}, err
	}
	if _, err := s.db.ExecContext(ctx, s.q(insertSnapshotQuery), uuid.NewString(), name, s.now().UTC()); err != nil {
		return domain.Snapshot{}, fmt.Errorf("insert snapshot %s: %w", name, err)
	}
	snap, _, err := s.byName(ctx, name)
	return snap, err
}

func (s *SQLStore) SwitchCurrent(ctx context.Context, snapshot domain.Snapshot) error {
	if _, _, err := s.byName(ctx, snapshot.Name); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q(upsertStateQuery), currentSnapshotKey, snapshot.Name); err != nil {
		return fmt.Errorf("switch current snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) Current(ctx context.Context) (domain.Snapshot, error) {
	var name string
	if err := s.db.QueryRowContext(ctx, s.q(selectStateQuery), currentSnapshotKey).Scan(&name); err != nil {
		return domain.Snapshot{}, handleNotFound(err, "current")
	}
	snap, _, err := s.byName(ctx, name)
	return snap, err
}

func (s *SQLStore) InitializeFromExisting(ctx context.Context, source, target domain.Snapshot, reportStep int, mask []bool) error {
	src, _, err := s.byName(ctx, source.Name)
	if err != nil {
		return err
	}
	dst, sealed, err := s.byName(ctx, target.Name)
	if err != nil {
		return err
	}
	if sealed {
		return fmt.Errorf("initialize %s: %w", target.Name, ErrSealed)
	}
	data, err := s.load(ctx, src.ID, mask)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, d := range data {
		if err := s.upsert(ctx, tx, dst.ID, seedData(d, reportStep)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, s.q(bumpVersionQuery), dst.ID); err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSnapshots(ctx context.Context) ([]domain.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, listSnapshotsQuery)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Snapshot
	for rows.Next() {
		snap, _, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadRealizations(ctx context.Context, snapshot domain.Snapshot, mask []bool) ([]domain.RealizationData, error) {
	snap, _, err := s.byName(ctx, snapshot.Name)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, snap.ID, mask)
}

func (s *SQLStore) load(ctx context.Context, snapshotID string, mask []bool) ([]domain.RealizationData, error) {
	rows, err := s.db.QueryContext(ctx, s.q(selectRealizationsQuery), snapshotID)
	if err != nil {
		return nil, fmt.Errorf("select realizations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.RealizationData
	for rows.Next() {
		var (
			d                     domain.RealizationData
			paramsRaw, resultsRaw []byte
		)
		if err := rows.Scan(&d.Realization, &paramsRaw, &resultsRaw); err != nil {
			return nil, fmt.Errorf("scan realization: %w", err)
		}
		if !selected(mask, d.Realization) {
			continue
		}
		if err := decodeVector(paramsRaw, &d.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of realization %d: %w", d.Realization, err)
		}
		if err := decodeVector(resultsRaw, &d.Results); err != nil {
			return nil, fmt.Errorf("decode results of realization %d: %w", d.Realization, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveRealization(ctx context.Context, snapshot domain.Snapshot, data domain.RealizationData) error {
	if data.Realization < 0 {
		return fmt.Errorf("%w: realization index must be >= 0", domain.ErrConfiguration)
	}
	snap, sealed, err := s.byName(ctx, snapshot.Name)
	if err != nil {
		return err
	}
	if sealed {
		return fmt.Errorf("save realization %d in %s: %w", data.Realization, snapshot.Name, ErrSealed)
	}
	if err := s.upsert(ctx, s.db, snap.ID, data); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q(bumpVersionQuery), snap.ID); err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) upsert(ctx context.Context, db execer, snapshotID string, data domain.RealizationData) error {
	params, err := encodeVector(data.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	results, err := encodeVector(data.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if _, err := db.ExecContext(ctx, s.q(upsertRealizationQuery), snapshotID, data.Realization, params, results, s.now().UTC()); err != nil {
		return fmt.Errorf("upsert realization %d: %w", data.Realization, err)
	}
	return nil
}

func (s *SQLStore) Seal(ctx context.Context, snapshot domain.Snapshot) error {
	snap, _, err := s.byName(ctx, snapshot.Name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q(sealSnapshotQuery), snap.ID); err != nil {
		return fmt.Errorf("seal snapshot %s: %w", snapshot.Name, err)
	}
	return nil
}

func encodeVector(values []float64) (string, error) {
	if values == nil {
		values = []float64{}
	}
	raw, err := json.Marshal(values)
	return string(raw), err
}

func decodeVector(raw []byte, out *[]float64) error {
	if len(raw) == 0 {
		return nil
	}
	var values []float64
	if err := json.Unmarshal(raw, &values); err != nil {
		return err
	}
	if len(values) > 0 {
		*out = values
	}
	return nil
}

func handleNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("snapshot %s: %w", what, domain.ErrNotFound)
	}
	return err
}
