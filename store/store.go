// Package store is the receptor's durable document store: a sqlite
// database holding one JSON document per row, addressed by
// (collection, partition, key) and guarded by an optimistic version.
// Transactional scope is a single document; cross-document consistency
// is the caller's responsibility via read-then-conditional-write.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/openfinancebr/receptor/clock"
)

var (
	// ErrConflict is returned when an expected version does not match
	// the stored row. The caller refetches and replays its transition.
	ErrConflict = errors.New("version conflict")
	// ErrNotFound is returned for absent or soft-deleted documents.
	ErrNotFound = errors.New("not found")
)

// Version sentinels for Upsert.
const (
	// VersionAbsent asserts the document must not yet exist.
	VersionAbsent int64 = 0
	// VersionAny upserts unconditionally.
	VersionAny int64 = -1
)

// Meta carries the indexed columns hoisted out of a document. Callers
// fill only the fields their collection's access paths use.
type Meta struct {
	Status        string
	OrgKey        string
	Priority      int
	NextVisibleAt time.Time
	ExpiresAt     *time.Time
}

// Store is a handle on the receptor database. It is safe for
// concurrent use; sqlite serialises writers underneath.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (creating if needed) the database at |path| and applies
// the schema. Use ":memory:" for tests.
func Open(path string, clk clock.Clock) (*Store, error) {
	var dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_fk=true", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection sidesteps sqlite writer contention entirely;
	// the store is not the throughput bottleneck of the pipeline.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Upsert writes |doc| under (collection, partition, key), guarded by
// |expectedVersion|: VersionAbsent requires the row not exist,
// VersionAny writes unconditionally, and any positive version must
// match the stored one. Returns the new version.
func (s *Store) Upsert(ctx context.Context, collection, partition, key string, doc any, meta Meta, expectedVersion int64) (int64, error) {
	var body, err = json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encoding document: %w", err)
	}

	var now = s.clock.Now().UnixMilli()
	var expires any
	if meta.ExpiresAt != nil {
		expires = meta.ExpiresAt.UnixMilli()
	}
	var visible int64
	if !meta.NextVisibleAt.IsZero() {
		visible = meta.NextVisibleAt.UnixMilli()
	}

	switch {
	case expectedVersion == VersionAbsent:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO documents (collection, partition_key, doc_key, version, doc,
				status, org_key, priority, next_visible_at, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)`,
			collection, partition, key, body,
			meta.Status, meta.OrgKey, meta.Priority, visible, expires, now, now)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
			return 0, ErrConflict
		} else if err != nil {
			return 0, fmt.Errorf("inserting document: %w", err)
		}
		return 1, nil

	case expectedVersion == VersionAny:
		res, err := s.db.ExecContext(ctx, `
			UPDATE documents SET version = version + 1, doc = ?, status = ?, org_key = ?,
				priority = ?, next_visible_at = ?, expires_at = ?, deleted_at = NULL, updated_at = ?
			WHERE collection = ? AND partition_key = ? AND doc_key = ?`,
			body, meta.Status, meta.OrgKey, meta.Priority, visible, expires, now,
			collection, partition, key)
		if err != nil {
			return 0, fmt.Errorf("updating document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// No row yet: fall through to an insert.
			return s.Upsert(ctx, collection, partition, key, doc, meta, VersionAbsent)
		}
		return s.version(ctx, collection, partition, key)

	default:
		res, err := s.db.ExecContext(ctx, `
			UPDATE documents SET version = version + 1, doc = ?, status = ?, org_key = ?,
				priority = ?, next_visible_at = ?, expires_at = ?, updated_at = ?
			WHERE collection = ? AND partition_key = ? AND doc_key = ? AND version = ? AND deleted_at IS NULL`,
			body, meta.Status, meta.OrgKey, meta.Priority, visible, expires, now,
			collection, partition, key, expectedVersion)
		if err != nil {
			return 0, fmt.Errorf("updating document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, ErrConflict
		}
		return expectedVersion + 1, nil
	}
}

func (s *Store) version(ctx context.Context, collection, partition, key string) (int64, error) {
	var v int64
	var err = s.db.QueryRowContext(ctx, `
		SELECT version FROM documents
		WHERE collection = ? AND partition_key = ? AND doc_key = ?`,
		collection, partition, key).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("reading version: %w", err)
	}
	return v, nil
}

// Get reads the document at (collection, partition, key) into |out|
// and returns its version. Soft-deleted rows read as ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, partition, key string, out any) (int64, error) {
	var body []byte
	var version int64
	var err = s.db.QueryRowContext(ctx, `
		SELECT doc, version FROM documents
		WHERE collection = ? AND partition_key = ? AND doc_key = ? AND deleted_at IS NULL`,
		collection, partition, key).Scan(&body, &version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, fmt.Errorf("reading document: %w", err)
	}
	if out != nil {
		if err = json.Unmarshal(body, out); err != nil {
			return 0, fmt.Errorf("decoding document: %w", err)
		}
	}
	return version, nil
}

// Delete soft-deletes the document; physical removal follows the
// retention sweep.
func (s *Store) Delete(ctx context.Context, collection, partition, key string) error {
	var res, err = s.db.ExecContext(ctx, `
		UPDATE documents SET deleted_at = ?, updated_at = ?
		WHERE collection = ? AND partition_key = ? AND doc_key = ? AND deleted_at IS NULL`,
		s.clock.Now().UnixMilli(), s.clock.Now().UnixMilli(),
		collection, partition, key)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Order selects a deterministic query ordering.
type Order int

const (
	// OrderByKey orders by (partition, key) ascending.
	OrderByKey Order = iota
	// OrderByPriority orders by priority descending then created_at
	// ascending; the job-lease ordering.
	OrderByPriority
)

// Query describes a paged scan over one collection. Zero-valued
// filters are not applied.
type Query struct {
	Collection    string
	Partition     string
	Status        string
	OrgKey        string
	VisibleBefore time.Time
	ExpiresBefore time.Time
	Order         Order
	Limit         int
	PageToken     string
}

// Doc is one query result: the raw document plus its address and
// version, enough for the caller to replay a conditional write.
type Doc struct {
	Partition string
	Key       string
	Version   int64
	Body      []byte
}

// Decode unmarshals the document body into |out|.
func (d *Doc) Decode(out any) error {
	if err := json.Unmarshal(d.Body, out); err != nil {
		return fmt.Errorf("decoding document %s/%s: %w", d.Partition, d.Key, err)
	}
	return nil
}

// RunQuery executes |q| and returns up to Limit documents plus the
// page token of the next page ("" when exhausted). Ordering is
// deterministic per q.Order.
func (s *Store) RunQuery(ctx context.Context, q Query) ([]Doc, string, error) {
	var where = []string{"collection = ?", "deleted_at IS NULL"}
	var args = []any{q.Collection}

	if q.Partition != "" {
		where = append(where, "partition_key = ?")
		args = append(args, q.Partition)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if q.OrgKey != "" {
		where = append(where, "org_key = ?")
		args = append(args, q.OrgKey)
	}
	if !q.VisibleBefore.IsZero() {
		where = append(where, "next_visible_at <= ?")
		args = append(args, q.VisibleBefore.UnixMilli())
	}
	if !q.ExpiresBefore.IsZero() {
		where = append(where, "expires_at IS NOT NULL AND expires_at < ?")
		args = append(args, q.ExpiresBefore.UnixMilli())
	}
	if q.PageToken != "" {
		var partition, key, err = decodeToken(q.PageToken)
		if err != nil {
			return nil, "", err
		}
		where = append(where, "(partition_key, doc_key) > (?, ?)")
		args = append(args, partition, key)
	}

	var order string
	switch q.Order {
	case OrderByPriority:
		order = "priority DESC, created_at ASC, doc_key ASC"
	default:
		order = "partition_key ASC, doc_key ASC"
	}

	var limit = q.Limit
	if limit <= 0 {
		limit = 100
	}

	var sqlText = fmt.Sprintf(
		"SELECT partition_key, doc_key, version, doc FROM documents WHERE %s ORDER BY %s LIMIT %d",
		strings.Join(where, " AND "), order, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, "", fmt.Errorf("querying %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		var d Doc
		if err = rows.Scan(&d.Partition, &d.Key, &d.Version, &d.Body); err != nil {
			return nil, "", fmt.Errorf("scanning %s row: %w", q.Collection, err)
		}
		out = append(out, d)
	}
	if err = rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating %s: %w", q.Collection, err)
	}

	var next string
	if len(out) == limit && q.Order == OrderByKey {
		next = encodeToken(out[len(out)-1].Partition, out[len(out)-1].Key)
	}
	return out, next, nil
}

func encodeToken(partition, key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(partition + "\x00" + key))
}

func decodeToken(token string) (string, string, error) {
	var raw, err = base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("malformed page token: %w", err)
	}
	var i = strings.IndexByte(string(raw), 0)
	if i < 0 {
		return "", "", fmt.Errorf("malformed page token")
	}
	return string(raw[:i]), string(raw[i+1:]), nil
}

// Count returns the number of live documents in |collection|,
// optionally filtered by status.
func (s *Store) Count(ctx context.Context, collection, status string) (int64, error) {
	var n int64
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM documents WHERE collection = ? AND deleted_at IS NULL`,
			collection).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM documents WHERE collection = ? AND status = ? AND deleted_at IS NULL`,
			collection, status).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}

// SweepRetention physically removes documents whose TTL elapsed and
// soft-deleted documents older than |deletedGrace|. It returns the
// number of rows removed.
func (s *Store) SweepRetention(ctx context.Context, deletedGrace time.Duration) (int64, error) {
	var now = s.clock.Now().UnixMilli()
	var res, err = s.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE (expires_at IS NOT NULL AND expires_at < ?)
		   OR (deleted_at IS NOT NULL AND deleted_at < ?)`,
		now, now-deletedGrace.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("sweeping retention: %w", err)
	}
	var n, _ = res.RowsAffected()
	if n > 0 {
		log.WithField("removed", n).Info("retention sweep removed documents")
	}
	return n, nil
}
