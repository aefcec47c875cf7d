package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"weavebox/internal/logging"
	"weavebox/internal/store/migrations"
)

const stampLayout = "2006-01-02 15:04:05"

const selectColumns = `
	id, name, type, content_type, data, size, size_in_bytes, date, time,
	tx_hash, permanently_stored, uploaded_by, status`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dbPath and applies pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// One connection: keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(logging.Store)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*StagedFile, error) {
	var (
		f        StagedFile
		category string
		tx       string
		stored   int
		status   string
	)
	err := row.Scan(&f.ID, &f.Name, &category, &f.ContentType, &f.Payload, &f.Size,
		&f.ByteSize, &f.CreatedDate, &f.CreatedTime, &tx, &stored, &f.UploadedBy, &status)
	if err != nil {
		return nil, err
	}
	f.Category = Category(category)
	f.Tx = ResolvedTx(tx)
	f.PermanentlyStored = stored == 1
	f.Status = Status(status)
	return &f, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, f *StagedFile) (int64, error) {
	stored := 0
	if f.PermanentlyStored {
		stored = 1
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO staged_files (name, type, content_type, data, size, size_in_bytes,
			date, time, tx_hash, permanently_stored, uploaded_by, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.Name, string(f.Category), f.ContentType, f.Payload, f.Size, f.ByteSize,
		f.CreatedDate, f.CreatedTime, f.Tx.String(), stored, f.UploadedBy, string(f.Status))
	if err != nil {
		return 0, storageErr("insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert", err)
	}
	return id, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*StagedFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM staged_files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return f, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*StagedFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM staged_files ORDER BY id DESC`)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	var files []*StagedFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, storageErr("list", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return files, nil
}

// UpdateStatus moves a record along one lifecycle edge. The edge and, for
// uploaded, the still-pending transaction id are checked in the WHERE clause
// so a transaction id can be written exactly once.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id int64, to Status, tx TxRef) error {
	from, ok := to.Predecessor()
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if to == StatusPending {
		return fmt.Errorf("%w: %s is only re-entered by a batch rollback", ErrInvalidTransition, StatusPending)
	}
	if to == StatusUploaded && tx.Pending() {
		return fmt.Errorf("%w: uploaded requires a transaction id", ErrInvalidTransition)
	}
	if to != StatusUploaded && !tx.Pending() {
		return fmt.Errorf("%w: transaction id only accepted with %s", ErrInvalidTransition, StatusUploaded)
	}

	var (
		result sql.Result
		err    error
	)
	if to == StatusUploaded {
		result, err = s.db.ExecContext(ctx, `
			UPDATE staged_files SET status = ?, tx_hash = ?
			WHERE id = ? AND status = ? AND tx_hash = ?
		`, string(to), tx.String(), id, string(from), pendingTx)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE staged_files SET status = ? WHERE id = ? AND status = ?
		`, string(to), id, string(from))
	}
	if err != nil {
		return storageErr("update status", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storageErr("update status", err)
	}
	if rows == 1 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

// MarkBatchUploading flips every pending record to uploading and returns
// their ids, newest first.
func (s *SQLiteStore) MarkBatchUploading(ctx context.Context) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin batch", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM staged_files WHERE status = ? ORDER BY id DESC`, string(StatusPending))
	if err != nil {
		return nil, storageErr("begin batch", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr("begin batch", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr("begin batch", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE staged_files SET status = ? WHERE status = ?`,
		string(StatusUploading), string(StatusPending)); err != nil {
		return nil, storageErr("begin batch", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("begin batch", err)
	}
	return ids, nil
}

// RollbackUploading returns every uploading record to pending.
func (s *SQLiteStore) RollbackUploading(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE staged_files SET status = ? WHERE status = ?`,
		string(StatusPending), string(StatusUploading))
	if err != nil {
		return 0, storageErr("rollback batch", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("rollback batch", err)
	}
	return n, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM staged_files WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storageErr("delete", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByCategory: make(map[Category]int)}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'uploading' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'uploaded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(size_in_bytes), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN size_in_bytes ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'uploaded' THEN size_in_bytes ELSE 0 END), 0),
			COALESCE(MIN(date || ' ' || time), ''),
			COALESCE(MAX(date || ' ' || time), '')
		FROM staged_files
	`)

	var oldest, newest string
	err := row.Scan(
		&stats.TotalFiles,
		&stats.PendingFiles,
		&stats.UploadingFiles,
		&stats.UploadedFiles,
		&stats.TotalBytes,
		&stats.PendingBytes,
		&stats.UploadedBytes,
		&oldest,
		&newest,
	)
	if err != nil {
		return nil, storageErr("stats", err)
	}
	if oldest != "" {
		stats.OldestFile, _ = time.ParseInLocation(stampLayout, oldest, time.Local)
	}
	if newest != "" {
		stats.NewestFile, _ = time.ParseInLocation(stampLayout, newest, time.Local)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM staged_files GROUP BY type`)
	if err != nil {
		return nil, storageErr("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, storageErr("stats", err)
		}
		stats.ByCategory[Category(category)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("stats", err)
	}

	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
