package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

var _ interfaces.RecordStore = (*SQLiteStore)(nil)

// filterKeyPattern restricts filter keys, which are spliced into JSON paths
var filterKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_created ON records(collection, created_at);
`

// SQLiteStore keeps records as JSON documents in a single SQLite table. It
// serves single-node deployments and tests.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		now:    time.Now,
		logger: log.With().Str("component", "sqlite_store").Logger(),
	}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get loads a record by id
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (types.Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrRecordNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return decodeRecord(data)
}

// Query returns records whose top-level fields equal every filter value.
// limit <= 0 means no limit.
func (s *SQLiteStore) Query(ctx context.Context, collection string, filter map[string]any, limit int) ([]types.Record, error) {
	var (
		where strings.Builder
		args  = []any{collection}
	)
	where.WriteString("collection = ?")

	// Sorted for stable statements
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !filterKeyPattern.MatchString(k) {
			return nil, fmt.Errorf("%w: invalid filter field %q", types.ErrInvalidRequest, k)
		}
		if k == types.FieldID {
			where.WriteString(" AND id = ?")
		} else {
			where.WriteString(" AND json_extract(data, '$." + k + "') = ?")
		}
		args = append(args, sqlValue(filter[k]))
	}

	query := "SELECT data FROM records WHERE " + where.String() + " ORDER BY created_at, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Create inserts a record, assigning an id when none is set
func (s *SQLiteStore) Create(ctx context.Context, collection string, record types.Record) (types.Record, error) {
	rec := record.Clone()
	if rec.ID() == "" {
		rec[types.FieldID] = uuid.NewString()
	}
	now := s.now().UTC()
	rec[FieldCreated] = now.Format(time.RFC3339Nano)
	rec[FieldUpdated] = now.Format(time.RFC3339Nano)

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, rec.ID(), string(data), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: record %s already exists", types.ErrInvalidRequest, rec.ID())
	}
	s.logger.Debug().Str("collection", collection).Str("id", rec.ID()).Msg("Record created")
	return decodeRecord(string(data))
}

// Update merges fields into the stored record inside a transaction
func (s *SQLiteStore) Update(ctx context.Context, collection, id string, fields types.Record) (types.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrRecordNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}

	for k, v := range fields {
		if k == types.FieldID {
			continue
		}
		rec[k] = v
	}
	now := s.now().UTC()
	rec[FieldUpdated] = now.Format(time.RFC3339Nano)

	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(encoded), now.UnixNano(), collection, id,
	); err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return decodeRecord(string(encoded))
}

// Delete removes a record
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", types.ErrRecordNotFound, collection, id)
	}
	return nil
}

func decodeRecord(data string) (types.Record, error) {
	var rec types.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}

// sqlValue maps a filter value onto what json_extract returns for it
func sqlValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
		return rv.String()
	}
	return v
}
