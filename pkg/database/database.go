// Package database is the embedded transactional store backing the name
// index and the shard metadata. SQLite keeps the node local-first: the
// index is not authoritative across the network.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	// filesTable maps (owner, name) to a manifest by its file key.
	// NOTE: Updating the structure here **will not** migrate an existing table!
	filesTable = `
	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_key TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		size INTEGER NOT NULL,
		manifest BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL,
		UNIQUE (owner, name)
	);
	`

	tagsTable = `
	CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		tag TEXT NOT NULL,
		UNIQUE (file_id, tag)
	);
	`

	healthTable = `
	CREATE TABLE IF NOT EXISTS health (
		file_id INTEGER PRIMARY KEY REFERENCES files(id) ON DELETE CASCADE,
		score INTEGER NOT NULL,
		last_checked TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL
	);
	`

	// shardsTable carries the shard-store metadata: TTL, access counters
	// and the eviction-protection flag.
	shardsTable = `
	CREATE TABLE IF NOT EXISTS shards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		shard_key TEXT NOT NULL UNIQUE,
		size INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		protected INTEGER NOT NULL DEFAULT 0
	);
	`

	insertFileQuery = `
	INSERT INTO files(file_key, owner, name, size, manifest) VALUES (?, ?, ?, ?, ?)
	`

	getFileByNameQuery = `
	SELECT id, file_key, owner, name, size, manifest, created_at
	FROM files
	WHERE owner = ? AND name = ?
	`

	getFileByKeyQuery = `
	SELECT id, file_key, owner, name, size, manifest, created_at
	FROM files
	WHERE file_key = ?
	`

	selectFilesQuery = `
	SELECT id, file_key, owner, name, size, manifest, created_at
	FROM files
	WHERE owner = ?
	ORDER BY name ASC
	`

	selectAllFilesQuery = `
	SELECT id, file_key, owner, name, size, manifest, created_at
	FROM files
	ORDER BY id ASC
	`

	selectFilesBySizeQuery = `
	SELECT id, file_key, owner, name, size, manifest, created_at
	FROM files
	WHERE owner = ? AND size >= ? AND size <= ?
	ORDER BY size ASC
	`

	selectFilesByTimeQuery = `
	SELECT id, file_key, owner, name, size, manifest, created_at
	FROM files
	WHERE owner = ? AND created_at >= ? AND created_at <= ?
	ORDER BY created_at ASC
	`

	selectFilesByTagQuery = `
	SELECT f.id, f.file_key, f.owner, f.name, f.size, f.manifest, f.created_at
	FROM files f
	JOIN tags t ON t.file_id = f.id
	WHERE f.owner = ? AND t.tag = ?
	ORDER BY f.name ASC
	`

	deleteFileQuery = `DELETE FROM files WHERE file_key = ?`

	insertTagQuery = `INSERT OR IGNORE INTO tags(file_id, tag) VALUES (?, ?)`

	selectTagsQuery = `SELECT tag FROM tags WHERE file_id = ? ORDER BY tag ASC`

	upsertHealthQuery = `
	INSERT INTO health(file_id, score, last_checked) VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(file_id) DO UPDATE SET score = excluded.score, last_checked = CURRENT_TIMESTAMP
	`

	getHealthQuery = `SELECT score, last_checked FROM health WHERE file_id = ?`

	insertShardQuery = `
	INSERT INTO shards(shard_key, size, expires_at) VALUES (?, ?, ?)
	`

	getShardQuery = `
	SELECT id, shard_key, size, created_at, expires_at, access_count, last_accessed_at, protected
	FROM shards
	WHERE shard_key = ?
	`

	touchShardQuery = `
	UPDATE shards
	SET access_count = access_count + 1,
		last_accessed_at = CURRENT_TIMESTAMP
	WHERE shard_key = ?
	`

	deleteShardQuery = `DELETE FROM shards WHERE shard_key = ?`

	setShardProtectedQuery = `UPDATE shards SET protected = ? WHERE shard_key = ?`

	selectExpiredShardsQuery = `
	SELECT id, shard_key, size, created_at, expires_at, access_count, last_accessed_at, protected
	FROM shards
	WHERE expires_at IS NOT NULL AND expires_at <= ? AND protected = 0
	`

	shardTotalSizeQuery = `SELECT COALESCE(SUM(size), 0) FROM shards`

	// coldShardsQuery returns unprotected shards, coldest first, until
	// the running total of their sizes covers the requested amount.
	coldShardsQuery = `
	SELECT id, shard_key, size, created_at, expires_at, access_count, last_accessed_at, protected
	FROM (
		SELECT
			*,
			(
				SELECT SUM(size)
				FROM shards s2
				WHERE s2.protected = 0 AND (
					s2.last_accessed_at < s1.last_accessed_at OR
					(s2.last_accessed_at = s1.last_accessed_at AND s2.id <= s1.id)
				)
			) AS running_total
		FROM shards s1
		WHERE s1.protected = 0
		ORDER BY last_accessed_at ASC, id ASC
	)
	WHERE running_total - size < ?;
	`
)

var (
	// ErrNotFound is returned if a record is not found in the database.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned if an insert violated a uniqueness
	// constraint.
	ErrAlreadyExists = errors.New("already exists")
)

type (
	// DB wraps *sql.DB with typed operations on files, tags, health and
	// shard metadata.
	DB struct {
		*sql.DB
	}

	// FileModel is a name-index row.
	FileModel struct {
		ID        int64
		FileKey   string
		Owner     string
		Name      string
		Size      uint64
		Manifest  []byte
		CreatedAt time.Time
	}

	// ShardModel is a shard-metadata row.
	ShardModel struct {
		ID             int64
		ShardKey       string
		Size           uint64
		CreatedAt      time.Time
		ExpiresAt      *time.Time
		AccessCount    int64
		LastAccessedAt time.Time
		Protected      bool
	}

	// HealthModel is the last known health of one file.
	HealthModel struct {
		Score       int
		LastChecked time.Time
	}
)

// Open opens the sqlite database at dbpath, creating it and its tables if
// necessary.
func Open(ctx context.Context, dbpath string) (*DB, error) {
	sdb, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, fmt.Errorf("error opening the SQLite3 database at %q: %w", dbpath, err)
	}

	// Getting an error `database is locked` when data is being inserted
	// at a fast rate. This slows down read/write but none of them will
	// fail due to connection issues.
	sdb.SetMaxOpenConns(1)

	if _, err := sdb.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("error enabling foreign keys: %w", err)
	}

	db := &DB{DB: sdb}

	return db, db.createTables(ctx)
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (db *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning a transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			zerolog.Ctx(ctx).Error().Err(rbErr).Msg("error rolling back the transaction")
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing the transaction: %w", err)
	}

	return nil
}

// InsertFileRecord creates a new file row. ErrAlreadyExists is returned if
// either the file key or the (owner, name) pair is taken.
func (db *DB) InsertFileRecord(tx *sql.Tx, fileKey, owner, name string, size uint64, manifest []byte) (int64, error) {
	res, err := tx.Exec(insertFileQuery, fileKey, owner, name, size, manifest)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrAlreadyExists
		}

		return 0, fmt.Errorf("error executing the statement: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("error fetching the last insert id: %w", err)
	}

	return id, nil
}

// GetFileRecordByName returns the file row for (owner, name).
func (db *DB) GetFileRecordByName(tx *sql.Tx, owner, name string) (FileModel, error) {
	return db.getFileRecord(tx, getFileByNameQuery, owner, name)
}

// GetFileRecordByKey returns the file row for a file key.
func (db *DB) GetFileRecordByKey(tx *sql.Tx, fileKey string) (FileModel, error) {
	return db.getFileRecord(tx, getFileByKeyQuery, fileKey)
}

// SelectFileRecords returns all file rows of one owner ordered by name.
func (db *DB) SelectFileRecords(tx *sql.Tx, owner string) ([]FileModel, error) {
	return db.selectFileRecords(tx, selectFilesQuery, owner)
}

// SelectAllFileRecords returns every file row regardless of owner; the
// background sweepers use it to know which shards back local manifests.
func (db *DB) SelectAllFileRecords(tx *sql.Tx) ([]FileModel, error) {
	return db.selectFileRecords(tx, selectAllFilesQuery)
}

// SelectFileRecordsBySize returns file rows of one owner within a size range.
func (db *DB) SelectFileRecordsBySize(tx *sql.Tx, owner string, minSize, maxSize uint64) ([]FileModel, error) {
	return db.selectFileRecords(tx, selectFilesBySizeQuery, owner, minSize, maxSize)
}

// SelectFileRecordsByTime returns file rows of one owner within a time range.
func (db *DB) SelectFileRecordsByTime(tx *sql.Tx, owner string, from, to time.Time) ([]FileModel, error) {
	return db.selectFileRecords(tx, selectFilesByTimeQuery, owner, from.UTC(), to.UTC())
}

// SelectFileRecordsByTag returns file rows of one owner carrying a tag.
func (db *DB) SelectFileRecordsByTag(tx *sql.Tx, owner, tag string) ([]FileModel, error) {
	return db.selectFileRecords(tx, selectFilesByTagQuery, owner, tag)
}

// DeleteFileRecord deletes the file row; tags and health cascade.
func (db *DB) DeleteFileRecord(tx *sql.Tx, fileKey string) error {
	if _, err := tx.Exec(deleteFileQuery, fileKey); err != nil {
		return fmt.Errorf("error executing the statement: %w", err)
	}

	return nil
}

// AddTag attaches a tag to a file row. Duplicate tags are ignored.
func (db *DB) AddTag(tx *sql.Tx, fileID int64, tag string) error {
	if _, err := tx.Exec(insertTagQuery, fileID, tag); err != nil {
		return fmt.Errorf("error executing the statement: %w", err)
	}

	return nil
}

// SelectTags returns all tags of a file row.
func (db *DB) SelectTags(tx *sql.Tx, fileID int64) ([]string, error) {
	rows, err := tx.Query(selectTagsQuery, fileID)
	if err != nil {
		return nil, fmt.Errorf("error executing the statement: %w", err)
	}
	defer rows.Close()

	tags := make([]string, 0)

	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("error scanning the tag: %w", err)
		}

		tags = append(tags, tag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error returned from rows: %w", err)
	}

	return tags, nil
}

// UpsertHealth records the last known health score of a file.
func (db *DB) UpsertHealth(tx *sql.Tx, fileID int64, score int) error {
	if _, err := tx.Exec(upsertHealthQuery, fileID, score); err != nil {
		return fmt.Errorf("error executing the statement: %w", err)
	}

	return nil
}

// GetHealth returns the last known health of a file.
func (db *DB) GetHealth(tx *sql.Tx, fileID int64) (HealthModel, error) {
	var hm HealthModel

	err := tx.QueryRow(getHealthQuery, fileID).Scan(&hm.Score, &hm.LastChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return hm, ErrNotFound
	}

	if err != nil {
		return hm, fmt.Errorf("error scanning the health row: %w", err)
	}

	return hm, nil
}

// InsertShardRecord creates a shard-metadata row.
func (db *DB) InsertShardRecord(tx *sql.Tx, shardKey string, size uint64, expiresAt *time.Time) error {
	if _, err := tx.Exec(insertShardQuery, shardKey, size, expiresAt); err != nil {
		if isConstraintError(err) {
			return ErrAlreadyExists
		}

		return fmt.Errorf("error executing the statement: %w", err)
	}

	return nil
}

// GetShardRecord returns the shard-metadata row for a shard key.
func (db *DB) GetShardRecord(tx *sql.Tx, shardKey string) (ShardModel, error) {
	rows, err := tx.Query(getShardQuery, shardKey)
	if err != nil {
		return ShardModel{}, fmt.Errorf("error executing the statement: %w", err)
	}
	defer rows.Close()

	sms, err := scanShardRows(rows)
	if err != nil {
		return ShardModel{}, err
	}

	if len(sms) == 0 {
		return ShardModel{}, ErrNotFound
	}

	return sms[0], nil
}

// TouchShardRecord bumps the access counter and last-access time.
func (db *DB) TouchShardRecord(tx *sql.Tx, shardKey string) error {
	if _, err := tx.Exec(touchShardQuery, shardKey); err != nil {
		return fmt.Errorf("error executing the statement: %w", err)
	}

	return nil
}

// DeleteShardRecord deletes the shard-metadata row.
func (db *DB) DeleteShardRecord(tx *sql.Tx, shardKey string) error {
	if _, err := tx.Exec(deleteShardQuery, shardKey); err != nil {
		return fmt.Errorf("error executing the statement: %w", err)
	}

	return nil
}

// SetShardProtected sets or clears the eviction-protection flag.
func (db *DB) SetShardProtected(tx *sql.Tx, shardKey string, protected bool) error {
	if _, err := tx.Exec(setShardProtectedQuery, protected, shardKey); err != nil {
		return fmt.Errorf("error executing the statement: %w", err)
	}

	return nil
}

// SelectExpiredShards returns unprotected shards whose TTL elapsed at now.
func (db *DB) SelectExpiredShards(tx *sql.Tx, now time.Time) ([]ShardModel, error) {
	rows, err := tx.Query(selectExpiredShardsQuery, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("error executing the statement: %w", err)
	}
	defer rows.Close()

	return scanShardRows(rows)
}

// ShardTotalSize returns the sum of sizes of all shard rows.
func (db *DB) ShardTotalSize(tx *sql.Tx) (uint64, error) {
	var size uint64

	if err := tx.QueryRow(shardTotalSizeQuery).Scan(&size); err != nil {
		return 0, fmt.Errorf("error scanning the total size: %w", err)
	}

	return size, nil
}

// SelectColdShards returns the least recently accessed unprotected shards
// whose combined size covers amount.
func (db *DB) SelectColdShards(tx *sql.Tx, amount uint64) ([]ShardModel, error) {
	rows, err := tx.Query(coldShardsQuery, amount)
	if err != nil {
		return nil, fmt.Errorf("error executing the statement: %w", err)
	}
	defer rows.Close()

	return scanShardRows(rows)
}

func (db *DB) createTables(ctx context.Context) error {
	for _, stmt := range []string{filesTable, tagsTable, healthTable, shardsTable} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error creating a table: %w", err)
		}
	}

	return nil
}

func (db *DB) getFileRecord(tx *sql.Tx, query string, args ...any) (FileModel, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return FileModel{}, fmt.Errorf("error executing the statement: %w", err)
	}
	defer rows.Close()

	fms, err := scanFileRows(rows)
	if err != nil {
		return FileModel{}, err
	}

	if len(fms) == 0 {
		return FileModel{}, ErrNotFound
	}

	return fms[0], nil
}

func (db *DB) selectFileRecords(tx *sql.Tx, query string, args ...any) ([]FileModel, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error executing the statement: %w", err)
	}
	defer rows.Close()

	return scanFileRows(rows)
}

func scanFileRows(rows *sql.Rows) ([]FileModel, error) {
	fms := make([]FileModel, 0)

	for rows.Next() {
		var fm FileModel

		err := rows.Scan(
			&fm.ID,
			&fm.FileKey,
			&fm.Owner,
			&fm.Name,
			&fm.Size,
			&fm.Manifest,
			&fm.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning the row into a FileModel: %w", err)
		}

		fms = append(fms, fm)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error returned from rows: %w", err)
	}

	return fms, nil
}

func scanShardRows(rows *sql.Rows) ([]ShardModel, error) {
	sms := make([]ShardModel, 0)

	for rows.Next() {
		var (
			sm        ShardModel
			expiresAt sql.NullTime
		)

		err := rows.Scan(
			&sm.ID,
			&sm.ShardKey,
			&sm.Size,
			&sm.CreatedAt,
			&expiresAt,
			&sm.AccessCount,
			&sm.LastAccessedAt,
			&sm.Protected,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning the row into a ShardModel: %w", err)
		}

		if expiresAt.Valid {
			t := expiresAt.Time
			sm.ExpiresAt = &t
		}

		sms = append(sms, sm)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error returned from rows: %w", err)
	}

	return sms, nil
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error

	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
