// Package keystore provides a persistent, partitioned mapping from string keys
// to n-d array payloads plus named attributes, backed by a single SQLite file.
//
// A store is organised into named partitions (for example image, depth, seg
// or data). Keys are unique within a partition and are never overwritten:
// Put on an existing key fails with ErrExists, which is what makes output
// stores safe to reopen and extend.
package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/menta2k/synthprep/pkg/ndarray"

	_ "modernc.org/sqlite"
)

// Mode selects how Open treats the file at path.
type Mode int

const (
	// ModeRead opens an existing store without write access.
	ModeRead Mode = iota
	// ModeCreate creates the store, truncating any existing file.
	ModeCreate
	// ModeExclusive creates the store and fails if the file exists.
	ModeExclusive
	// ModeAppend opens a store read/write, creating it if absent.
	ModeAppend
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "r"
	case ModeCreate:
		return "w"
	case ModeExclusive:
		return "x"
	case ModeAppend:
		return "a"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Root is the partition holding keys stored at the top level of a store.
const Root = ""

var (
	// ErrNotFound is returned when a key is absent from a partition.
	ErrNotFound = errors.New("keystore: key not found")
	// ErrExists is returned when writing a key that is already present.
	ErrExists = errors.New("keystore: key already exists")
	// ErrNoPartition is returned when addressing a partition that was never created.
	ErrNoPartition = errors.New("keystore: partition does not exist")
	// ErrReadOnly is returned by mutating calls on a store opened with ModeRead.
	ErrReadOnly = errors.New("keystore: store is read-only")
	// ErrClosed is returned by calls on a closed store.
	ErrClosed = errors.New("keystore: store is closed")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS partitions (
    name TEXT PRIMARY KEY
)`,
	`CREATE TABLE IF NOT EXISTS entries (
    partition TEXT NOT NULL,
    key       TEXT NOT NULL,
    dtype     TEXT NOT NULL,
    shape     TEXT NOT NULL,
    codec     TEXT NOT NULL,
    payload   BLOB,
    PRIMARY KEY (partition, key)
)`,
	`CREATE TABLE IF NOT EXISTS attrs (
    partition TEXT NOT NULL,
    key       TEXT NOT NULL,
    name      TEXT NOT NULL,
    kind      TEXT NOT NULL,
    dtype     TEXT NOT NULL,
    shape     TEXT NOT NULL,
    value     BLOB,
    PRIMARY KEY (partition, key, name)
)`,
	`INSERT OR IGNORE INTO partitions (name) VALUES ('')`,
}

// Record is a key's payload together with its attributes.
type Record struct {
	Key     string
	Payload *ndarray.Array
	Attrs   Attrs
}

// Store is an open keyed store.
type Store struct {
	db    *sql.DB
	path  string
	mode  Mode
	codec *codec

	mu     sync.Mutex
	closed bool
}

// Option configures Open.
type Option func(*options)

type options struct {
	compressionLevel int
}

// WithCompression enables zstd compression of payloads written through the
// store at the given level (1-19). Existing rows keep their own codec.
func WithCompression(level int) Option {
	return func(o *options) {
		o.compressionLevel = level
	}
}

// Open opens or creates the store at path according to mode.
func Open(path string, mode Mode, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch mode {
	case ModeRead:
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open store %s: %w", path, err)
		}
	case ModeCreate:
		if err := removeStore(path); err != nil {
			return nil, fmt.Errorf("truncate store %s: %w", path, err)
		}
	case ModeExclusive:
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("create store %s: %w", path, os.ErrExist)
		}
	case ModeAppend:
	default:
		return nil, fmt.Errorf("open store %s: unknown mode %v", path, mode)
	}

	c, err := newCodec(o.compressionLevel)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps writes strictly sequential and makes the
	// query_only pragma below apply to every statement.
	db.SetMaxOpenConns(1)

	if mode == ModeRead {
		if _, err := db.Exec("PRAGMA query_only = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set query_only: %w", err)
		}
		if err := checkSchema(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("open store %s: %w", path, err)
		}
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("create schema: %w", err)
			}
		}
	}

	return &Store{db: db, path: path, mode: mode, codec: c}, nil
}

func removeStore(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func checkSchema(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('partitions', 'entries', 'attrs')`).Scan(&n)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if n != 3 {
		return errors.New("not a keyed store")
	}
	return nil
}

// Path returns the file the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// Mode returns the mode the store was opened with.
func (s *Store) Mode() Mode {
	return s.mode
}

// Close releases the underlying database. Calling Close twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.codec.close()
	return s.db.Close()
}

func (s *Store) check(write bool) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if write && s.mode == ModeRead {
		return ErrReadOnly
	}
	return nil
}

// CreatePartition adds a partition. Creating an existing partition is a no-op.
func (s *Store) CreatePartition(ctx context.Context, name string) error {
	if err := s.check(true); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO partitions (name) VALUES (?)`, name); err != nil {
		return fmt.Errorf("create partition %q: %w", name, err)
	}
	return nil
}

// HasPartition reports whether a partition exists.
func (s *Store) HasPartition(ctx context.Context, name string) (bool, error) {
	if err := s.check(false); err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM partitions WHERE name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup partition %q: %w", name, err)
	}
	return n > 0, nil
}

// Partitions lists partition names in sorted order, including Root.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	return s.strings(ctx, `SELECT name FROM partitions ORDER BY name`)
}

func (s *Store) requirePartition(ctx context.Context, name string) error {
	ok, err := s.HasPartition(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoPartition, name)
	}
	return nil
}

// Put writes payload and attrs under key in partition. It fails with
// ErrExists if the key is already present; nothing is ever overwritten.
func (s *Store) Put(ctx context.Context, partition, key string, payload *ndarray.Array, attrs Attrs) error {
	if err := s.check(true); err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("put %s: nil payload", qualified(partition, key))
	}
	if err := payload.Check(); err != nil {
		return fmt.Errorf("put %s: %w", qualified(partition, key), err)
	}
	if err := s.requirePartition(ctx, partition); err != nil {
		return err
	}

	codecName, blob, err := s.codec.encodePayload(payload.Data)
	if err != nil {
		return fmt.Errorf("put %s: %w", qualified(partition, key), err)
	}
	shape, err := encodeShape(payload.Shape)
	if err != nil {
		return err
	}
	rows := make([]attrRow, 0, len(attrs))
	for name, a := range attrs {
		row, err := encodeAttr(name, a)
		if err != nil {
			return fmt.Errorf("put %s: %w", qualified(partition, key), err)
		}
		rows = append(rows, row)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE partition = ? AND key = ?`, partition, key,
	).Scan(&n); err != nil {
		return fmt.Errorf("lookup %s: %w", qualified(partition, key), err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrExists, qualified(partition, key))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (partition, key, dtype, shape, codec, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		partition, key, string(payload.DType), shape, codecName, blob,
	); err != nil {
		return fmt.Errorf("insert %s: %w", qualified(partition, key), err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attrs (partition, key, name, kind, dtype, shape, value) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			partition, key, r.name, r.kind, r.dtype, r.shape, r.value,
		); err != nil {
			return fmt.Errorf("insert attribute %s of %s: %w", r.name, qualified(partition, key), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", qualified(partition, key), err)
	}
	return nil
}

// Get reads the payload and attributes of key.
func (s *Store) Get(ctx context.Context, partition, key string) (*Record, error) {
	payload, err := s.Payload(ctx, partition, key)
	if err != nil {
		return nil, err
	}
	attrs, err := s.Attrs(ctx, partition, key)
	if err != nil {
		return nil, err
	}
	return &Record{Key: key, Payload: payload, Attrs: attrs}, nil
}

// Payload reads only the payload array of key.
func (s *Store) Payload(ctx context.Context, partition, key string) (*ndarray.Array, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	var dtype, shape, codecName string
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT dtype, shape, codec, payload FROM entries WHERE partition = ? AND key = ?`, partition, key,
	).Scan(&dtype, &shape, &codecName, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, qualified(partition, key))
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", qualified(partition, key), err)
	}

	dims, err := decodeShape(shape)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", qualified(partition, key), err)
	}
	data, err := s.codec.decodePayload(codecName, blob)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", qualified(partition, key), err)
	}
	return ndarray.FromBytes(ndarray.DType(dtype), dims, data)
}

// Attrs reads the attributes of key. A key without attributes yields an
// empty, non-nil map.
func (s *Store) Attrs(ctx context.Context, partition, key string) (Attrs, error) {
	ok, err := s.Has(ctx, partition, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, qualified(partition, key))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kind, dtype, shape, value FROM attrs WHERE partition = ? AND key = ?`, partition, key,
	)
	if err != nil {
		return nil, fmt.Errorf("get attributes of %s: %w", qualified(partition, key), err)
	}
	defer rows.Close()

	attrs := Attrs{}
	for rows.Next() {
		var r attrRow
		if err := rows.Scan(&r.name, &r.kind, &r.dtype, &r.shape, &r.value); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		a, err := decodeAttr(r)
		if err != nil {
			return nil, fmt.Errorf("attribute %s of %s: %w", r.name, qualified(partition, key), err)
		}
		attrs[r.name] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attributes: %w", err)
	}
	return attrs, nil
}

// Has reports whether key is present in partition.
func (s *Store) Has(ctx context.Context, partition, key string) (bool, error) {
	if err := s.check(false); err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE partition = ? AND key = ?`, partition, key,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup %s: %w", qualified(partition, key), err)
	}
	return n > 0, nil
}

// HasPrefix reports whether any key in partition starts with prefix.
func (s *Store) HasPrefix(ctx context.Context, partition, prefix string) (bool, error) {
	if err := s.check(false); err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE partition = ? AND substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB)`,
		partition, len(prefix), prefix,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup prefix %s: %w", qualified(partition, prefix), err)
	}
	return n > 0, nil
}

// Keys lists the keys of partition in sorted order.
func (s *Store) Keys(ctx context.Context, partition string) ([]string, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	if err := s.requirePartition(ctx, partition); err != nil {
		return nil, err
	}
	return s.strings(ctx, `SELECT key FROM entries WHERE partition = ? ORDER BY key`, partition)
}

// Count returns the number of keys in partition.
func (s *Store) Count(ctx context.Context, partition string) (int, error) {
	if err := s.check(false); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE partition = ?`, partition).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %q: %w", partition, err)
	}
	return n, nil
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}

func qualified(partition, key string) string {
	return "/" + strings.TrimPrefix(partition+"/"+key, "/")
}
