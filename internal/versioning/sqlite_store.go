package versioning

import (
	"context"
	"database/sql"
	"embed"
	stdErrors "errors"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	xerrors "Aetherra-Core/internal/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore keeps snapshots in a single SQLite database in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create snapshot db directory")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "set "+pragma)
		}
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "load snapshot migrations")
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create migrator")
	}
	if err := m.Up(); err != nil && !stdErrors.Is(err, migrate.ErrNoChange) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "migrate snapshot schema")
	}
	return nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	const stmt = `INSERT INTO snapshots (plugin, ts, source, confidence, origin, description, checksum, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, snap.Plugin, snap.Timestamp, []byte(snap.Source), snap.Confidence,
		snap.Origin, snap.Description, snap.Checksum, snap.CreatedAt.UnixMicro())
	if err != nil {
		var sqliteErr sqlite3.Error
		if stdErrors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrSnapshotExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert snapshot")
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, plugin, timestamp string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT plugin, ts, source, confidence, origin, description, checksum, created_at
        FROM snapshots WHERE plugin = ? AND ts = ?`, plugin, timestamp)
	snap, err := scanSnapshot(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.Wrap(CodeSnapshotNotFound, ErrSnapshotNotFound, plugin+"@"+timestamp)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "get snapshot")
	}
	return snap, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, plugin string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plugin, ts, source, confidence, origin, description, checksum, created_at
        FROM snapshots WHERE plugin = ? ORDER BY ts ASC`, plugin)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list snapshots")
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan snapshot")
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate snapshots")
	}
	return out, nil
}

// Plugins implements Store.
func (s *SQLiteStore) Plugins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT plugin FROM snapshots ORDER BY plugin`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list plugins")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan plugin")
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, plugin, timestamp string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE plugin = ? AND ts = ?`, plugin, timestamp)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete snapshot")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.Wrap(CodeSnapshotNotFound, ErrSnapshotNotFound, plugin+"@"+timestamp)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var (
		snap    Snapshot
		source  []byte
		created int64
	)
	if err := row.Scan(&snap.Plugin, &snap.Timestamp, &source, &snap.Confidence, &snap.Origin,
		&snap.Description, &snap.Checksum, &created); err != nil {
		return nil, err
	}
	snap.Source = string(source)
	snap.Size = len(source)
	snap.CreatedAt = time.UnixMicro(created).UTC()
	return &snap, nil
}
