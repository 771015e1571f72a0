package ubiquity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrItemNotFound is returned by Index lookups for unknown items.
var ErrItemNotFound = errors.New("item not found")

// Record is one row of the sync index.
type Record struct {
	Name string

	Downloaded  bool
	Downloading bool
	Uploaded    bool
	Uploading   bool

	PercentDownloaded float64
	PercentUploaded   float64

	Conflict bool
	ModTime  time.Time

	// BaseVersion is the mirror object version the local copy was last
	// synchronized with.
	BaseVersion string

	Deleted bool
	Seq     int64
}

// Index stores sync metadata in an embedded SQLite database (WAL mode).
//
// Every write bumps the row's change sequence, so Changes can hand out
// ordered incremental batches. Deletions are tombstones for the same
// reason.
type Index struct {
	conn *sql.DB
	path string
}

// OpenIndex opens (creating if needed) the index database at path and
// initializes its schema.
//
// The caller MUST call Close() when done.
func OpenIndex(path string) (*Index, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping index: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	idx := &Index{conn: conn, path: path}
	if err := idx.initSchema(context.Background()); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return idx, nil
}

// Close checkpoints the WAL and closes the database.
func (idx *Index) Close() error {
	if idx.conn == nil {
		return nil
	}
	_, _ = idx.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := idx.conn.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}
	idx.conn = nil
	return nil
}

func (idx *Index) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		name TEXT PRIMARY KEY,
		downloaded INTEGER NOT NULL DEFAULT 0,
		downloading INTEGER NOT NULL DEFAULT 0,
		uploaded INTEGER NOT NULL DEFAULT 0,
		uploading INTEGER NOT NULL DEFAULT 0,
		percent_downloaded REAL NOT NULL DEFAULT 0,
		percent_uploaded REAL NOT NULL DEFAULT 0,
		conflict INTEGER NOT NULL DEFAULT 0,
		mod_time TEXT NOT NULL,
		base_version TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_seq ON items(seq);
	`
	if _, err := idx.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return nil
}

const recordColumns = `name, downloaded, downloading, uploaded, uploading,
	percent_downloaded, percent_uploaded, conflict, mod_time, base_version, deleted, seq`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r       Record
		modTime string
	)
	if err := row.Scan(&r.Name, &r.Downloaded, &r.Downloading, &r.Uploaded, &r.Uploading,
		&r.PercentDownloaded, &r.PercentUploaded, &r.Conflict, &modTime, &r.BaseVersion,
		&r.Deleted, &r.Seq); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, modTime)
	if err != nil {
		return nil, fmt.Errorf("invalid mod_time %q for %s: %w", modTime, r.Name, err)
	}
	r.ModTime = t
	return &r, nil
}

// Put inserts or replaces a record, clearing any tombstone.
func (idx *Index) Put(ctx context.Context, r *Record) error {
	return idx.put(ctx, idx.conn, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (idx *Index) put(ctx context.Context, ex execer, r *Record) error {
	query := `
	INSERT INTO items (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, (SELECT COALESCE(MAX(seq), 0) + 1 FROM items))
	ON CONFLICT(name) DO UPDATE SET
		downloaded = excluded.downloaded,
		downloading = excluded.downloading,
		uploaded = excluded.uploaded,
		uploading = excluded.uploading,
		percent_downloaded = excluded.percent_downloaded,
		percent_uploaded = excluded.percent_uploaded,
		conflict = excluded.conflict,
		mod_time = excluded.mod_time,
		base_version = excluded.base_version,
		deleted = 0,
		seq = excluded.seq
	`
	_, err := ex.ExecContext(ctx, query,
		r.Name, r.Downloaded, r.Downloading, r.Uploaded, r.Uploading,
		r.PercentDownloaded, r.PercentUploaded, r.Conflict,
		r.ModTime.UTC().Format(time.RFC3339Nano), r.BaseVersion)
	if err != nil {
		return fmt.Errorf("failed to put item %s: %w", r.Name, err)
	}
	return nil
}

// Get returns the live record for name, or ErrItemNotFound.
func (idx *Index) Get(ctx context.Context, name string) (*Record, error) {
	row := idx.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM items WHERE name = ? AND deleted = 0`, name)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", name, err)
	}
	return r, nil
}

// Update applies fn to the live record for name inside one transaction, so
// the whole row changes at once.
func (idx *Index) Update(ctx context.Context, name string, fn func(r *Record) error) (*Record, error) {
	tx, err := idx.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM items WHERE name = ? AND deleted = 0`, name)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read item %s: %w", name, err)
	}

	if err := fn(r); err != nil {
		return nil, err
	}
	if err := idx.put(ctx, tx, r); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit item %s: %w", name, err)
	}
	return r, nil
}

// Delete tombstones the record for name. Returns nil if the item doesn't
// exist (idempotent).
func (idx *Index) Delete(ctx context.Context, name string) error {
	_, err := idx.conn.ExecContext(ctx, `
	UPDATE items SET deleted = 1, downloading = 0, uploading = 0,
		seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM items)
	WHERE name = ? AND deleted = 0`, name)
	if err != nil {
		return fmt.Errorf("failed to delete item %s: %w", name, err)
	}
	return nil
}

// Rename moves a record to a new name, tombstoning the old one.
func (idx *Index) Rename(ctx context.Context, oldName, newName string) error {
	tx, err := idx.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM items WHERE name = ? AND deleted = 0`, oldName)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read item %s: %w", oldName, err)
	}

	if _, err := tx.ExecContext(ctx, `
	UPDATE items SET deleted = 1, seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM items)
	WHERE name = ?`, oldName); err != nil {
		return fmt.Errorf("failed to retire item %s: %w", oldName, err)
	}
	r.Name = newName
	if err := idx.put(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rename %s: %w", oldName, err)
	}
	return nil
}

// List returns all live records ordered by name.
func (idx *Index) List(ctx context.Context) ([]*Record, error) {
	return idx.query(ctx, `SELECT `+recordColumns+` FROM items WHERE deleted = 0 ORDER BY name`)
}

// Changes returns every record, tombstones included, changed after seq,
// in commit order.
func (idx *Index) Changes(ctx context.Context, afterSeq int64) ([]*Record, error) {
	return idx.query(ctx, `SELECT `+recordColumns+` FROM items WHERE seq > ? ORDER BY seq`, afterSeq)
}

// LastSeq returns the highest change sequence committed so far.
func (idx *Index) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := idx.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM items`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read change sequence: %w", err)
	}
	return seq, nil
}

// Count returns the number of live records.
func (idx *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := idx.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE deleted = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

func (idx *Index) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := idx.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return records, nil
}
