// Package slotdb is a fixed-schema binary record store.
//
// A SlotDB file holds a self-describing header followed by fixed-size slots,
// one record per slot, so any record is one positional read away. Every
// update and append goes through a write-ahead log under an exclusive file
// lock, which keeps the file consistent across crashes and across processes
// sharing it. Records are read by index or traversed with a Cursor.
//
// Example usage:
//
//	schema, err := slotdb.NewSchema(
//		slotdb.Text("name", 10),
//		slotdb.Int("born", 4),
//		slotdb.Text("country", 8),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	db, err := slotdb.Create("/path/to/artists.db", schema, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if _, err := db.Append(slotdb.Record{"GZA", 1966, "USA"}); err != nil {
//		log.Printf("Append failed: %v", err)
//	}
//
//	cur := db.Cursor()
//	defer cur.Close()
//	for {
//		rec, err := cur.Next()
//		if err != nil || rec == nil {
//			break
//		}
//		fmt.Println(rec)
//	}
package slotdb

import (
	"github.com/MikhailWahib/slotdb/internal/config"
	"github.com/MikhailWahib/slotdb/internal/cursor"
	"github.com/MikhailWahib/slotdb/internal/engine"
	"github.com/MikhailWahib/slotdb/internal/lock"
	"github.com/MikhailWahib/slotdb/internal/record"
	"github.com/MikhailWahib/slotdb/internal/recordfile"
)

// Config is an alias for config.Config, re-exported for user convenience.
type Config = config.Config

// DefaultConfig returns a Config struct populated with default values. Re-exported for user convenience.
var DefaultConfig = config.DefaultConfig

type (
	// Schema is the ordered list of fields stored in a file header.
	Schema = record.Schema
	// Field is one named fixed-width column of a Schema.
	Field = record.Field
	// Record holds one value per field, in schema order.
	Record = record.Record
	// Cursor reads records one slot at a time in either direction.
	Cursor = cursor.Cursor
)

// Schema construction, re-exported for user convenience.
var (
	NewSchema = record.NewSchema
	Text      = record.Text
	Int       = record.Int
)

// Errors returned by DB and Cursor; test with errors.Is.
var (
	ErrSizeMismatch      = record.ErrSizeMismatch
	ErrFieldTypeMismatch = record.ErrFieldTypeMismatch
	ErrInvalidSchema     = record.ErrInvalidSchema
	ErrOutOfRange        = recordfile.ErrOutOfRange
	ErrCorruptHeader     = recordfile.ErrCorruptHeader
	ErrTruncatedBody     = recordfile.ErrTruncatedBody
	ErrClosed            = recordfile.ErrClosed
	ErrBusy              = lock.ErrBusy
	ErrWALReplayFailure  = engine.ErrWALReplayFailure
	ErrCursorClosed      = cursor.ErrCursorClosed
)

// DB is a handle to one record file. It is safe for concurrent use, and any
// number of handles, in this process or others, may share the same file.
type DB struct {
	engine *engine.Engine
}

// Create creates a new record file at path with the given schema.
// It fails if the file already exists. A nil cfg uses DefaultConfig.
func Create(path string, schema *Schema, cfg *Config) (*DB, error) {
	e, err := engine.Create(path, schema, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{engine: e}, nil
}

// Open opens an existing record file, replaying its write-ahead log first.
//
// A file with a damaged header or a partial trailing slot is refused, as is a
// file whose log cannot be reconciled with it. A nil cfg uses DefaultConfig.
func Open(path string, cfg *Config) (*DB, error) {
	e, err := engine.Open(path, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{engine: e}, nil
}

// Schema returns the schema stored in the file header.
func (db *DB) Schema() *Schema {
	return db.engine.Schema()
}

// Append adds rec in a new slot at the end of the file and returns its index.
// Text longer than its field is truncated to the field width.
func (db *DB) Append(rec Record) (int64, error) {
	return db.engine.Append(rec)
}

// Update overwrites slot index with rec.
//
// Once Update returns, the new record survives a crash. If the process dies
// during Update, the next open sees either the old or the new record, never
// a mix of both.
func (db *DB) Update(index int64, rec Record) error {
	return db.engine.Update(index, rec)
}

// Read returns the record in slot index.
func (db *DB) Read(index int64) (Record, error) {
	return db.engine.Read(index)
}

// SlotCount returns the number of records in the file.
func (db *DB) SlotCount() (int64, error) {
	return db.engine.SlotCount()
}

// Cursor returns a new cursor positioned before the first record.
// Cursors fail with ErrClosed once the DB is closed.
func (db *DB) Cursor() *Cursor {
	return cursor.New(db.engine)
}

// Digest returns an xxhash64 checksum of all slot data.
func (db *DB) Digest() (uint64, error) {
	return db.engine.Digest()
}

// Checkpoint truncates the write-ahead log.
func (db *DB) Checkpoint() error {
	return db.engine.Checkpoint()
}

// Close checkpoints the log and releases the file. After calling Close, the
// DB and its cursors return ErrClosed.
func (db *DB) Close() error {
	return db.engine.Close()
}
