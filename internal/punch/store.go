package punch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/punchsync/internal/platform/db"
	"github.com/odyssey-erp/punchsync/internal/shared"
)

// Schema creates the tables used by PGStore.
const Schema = `
CREATE TABLE IF NOT EXISTS punch_records (
	id          UUID PRIMARY KEY,
	subject_id  TEXT NOT NULL,
	punched_at  TIMESTAMPTZ NOT NULL,
	punch_type  SMALLINT NOT NULL DEFAULT -1,
	status      INTEGER NOT NULL DEFAULT 0,
	device_id   TEXT NOT NULL,
	pulled_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS punch_records_subject_time_idx ON punch_records (subject_id, punched_at DESC);
CREATE INDEX IF NOT EXISTS punch_records_time_idx ON punch_records (punched_at);
CREATE TABLE IF NOT EXISTS kv_documents (
	namespace   TEXT PRIMARY KEY,
	doc         JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store is the persistence capability consumed by the puller and the
// orchestrator.
type Store interface {
	InsertMany(ctx context.Context, records []Record) (int, error)
	LatestPerSubject(ctx context.Context) ([]Record, error)
	Query(ctx context.Context, filter Filter) ([]Record, error)
	KVGet(ctx context.Context, namespace string) ([]byte, error)
	KVPut(ctx context.Context, namespace string, doc []byte) error
	KVDelete(ctx context.Context, namespace string) error
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs the store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate applies Schema.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("punch: migrate: %w", err)
	}
	return nil
}

const insertRecordSQL = `INSERT INTO punch_records (id, subject_id, punched_at, punch_type, status, device_id)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`

// InsertMany stores records in one transaction and returns how many rows were
// new. Records already stored are ignored.
func (s *PGStore) InsertMany(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	inserted := 0
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range records {
			batch.Queue(insertRecordSQL, rec.ID, rec.SubjectID, rec.Timestamp.UTC(), int16(rec.Type), rec.Status, rec.DeviceID)
		}
		results := tx.SendBatch(ctx, batch)
		for range records {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return wrapPGError("insert", err)
			}
			inserted += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

const selectColumns = `id, subject_id, punched_at, punch_type, status, device_id`

// LatestPerSubject returns the most recent punch for every subject.
func (s *PGStore) LatestPerSubject(ctx context.Context) ([]Record, error) {
	query := `SELECT DISTINCT ON (subject_id) ` + selectColumns + `
		FROM punch_records
		ORDER BY subject_id, punched_at DESC`
	return s.collect(ctx, "latest", query)
}

// Query returns punches matching filter ordered by time.
func (s *PGStore) Query(ctx context.Context, filter Filter) ([]Record, error) {
	query, args, err := buildQuery(filter)
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, "query", query, args...)
}

func buildQuery(filter Filter) (string, []any, error) {
	if filter.IsZero() {
		return "", nil, fmt.Errorf("punch: query: filter required: %w", shared.ErrValidation)
	}
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if !filter.From.IsZero() {
		add("punched_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("punched_at < $%d", filter.To.UTC())
	}
	if len(filter.SubjectIDs) > 0 {
		add("subject_id = ANY($%d)", filter.SubjectIDs)
	}
	if filter.DeviceID != "" {
		add("device_id = $%d", filter.DeviceID)
	}
	query := `SELECT ` + selectColumns + ` FROM punch_records WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY punched_at, subject_id`
	return query, args, nil
}

func (s *PGStore) collect(ctx context.Context, op, query string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPGError(op, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec Record
			typ int16
		)
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &rec.Timestamp, &typ, &rec.Status, &rec.DeviceID); err != nil {
			return nil, fmt.Errorf("punch: %s: scan: %w", op, err)
		}
		rec.Type = Type(typ)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPGError(op, err)
	}
	return records, nil
}

// KVGet loads a document by namespace. Missing documents return
// shared.ErrNotFound.
func (s *PGStore) KVGet(ctx context.Context, namespace string) ([]byte, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM kv_documents WHERE namespace = $1`, namespace).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, wrapPGError("kv get", err)
	}
	return doc, nil
}

// KVPut replaces the document stored under namespace.
func (s *PGStore) KVPut(ctx context.Context, namespace string, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("punch: kv put: document is not json: %w", shared.ErrValidation)
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO kv_documents (namespace, doc, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (namespace) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`, namespace, doc)
	if err != nil {
		return wrapPGError("kv put", err)
	}
	return nil
}

// KVDelete removes the document stored under namespace.
func (s *PGStore) KVDelete(ctx context.Context, namespace string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM kv_documents WHERE namespace = $1`, namespace); err != nil {
		return wrapPGError("kv delete", err)
	}
	return nil
}

func wrapPGError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return fmt.Errorf("punch: %s: schema missing, run migrate: %w", op, shared.ErrConfiguration)
	}
	return fmt.Errorf("punch: %s: %w", op, err)
}

var _ Store = (*PGStore)(nil)
