package tracefile

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"fortio.org/safecast"
	_ "modernc.org/sqlite"

	"timeline/internal/event"
)

const sqliteSchema = 1

const sqliteTables = `
	CREATE TABLE meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE types (
		id INTEGER PRIMARY KEY,
		feature INTEGER NOT NULL,
		display_name TEXT NOT NULL,
		detail TEXT NOT NULL
	);

	CREATE TABLE events (
		seq INTEGER PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		type_id INTEGER NOT NULL,
		payload BLOB
	);

	-- Range loads filter on timestamp
	CREATE INDEX idx_events_timestamp ON events(timestamp);
`

type sqliteFile struct {
	path string
}

func (f *sqliteFile) Path() string   { return f.path }
func (f *sqliteFile) Format() Format { return FormatSQLite }

// Write implements File.
func (f *sqliteFile) Write(ctx context.Context, src Source, p Progress) error {
	p = orNop(p)
	return replaceFile(f.path, func(tmp string) error {
		db, err := sql.Open("sqlite", tmp)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()
		// One connection keeps the transaction and pragmas on the same handle.
		db.SetMaxOpenConns(1)

		pragmas := []string{
			"PRAGMA journal_mode=OFF",
			"PRAGMA synchronous=OFF",
		}
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("execute %s: %w", pragma, err)
			}
		}
		if _, err := db.ExecContext(ctx, sqliteTables); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := writeSQLiteMeta(ctx, tx, src); err != nil {
			return err
		}

		types := src.Types()
		p.SetTotal(int64(len(types) + src.NumEvents()))

		typeStmt, err := tx.PrepareContext(ctx, "INSERT INTO types (id, feature, display_name, detail) VALUES (?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("prepare types: %w", err)
		}
		defer func() { _ = typeStmt.Close() }()
		for _, t := range types {
			if _, err := typeStmt.ExecContext(ctx, int64(t.ID), int64(t.Feature), t.DisplayName, t.Detail); err != nil {
				return fmt.Errorf("insert type %d: %w", t.ID, err)
			}
			p.Advance(1)
		}

		eventStmt, err := tx.PrepareContext(ctx, "INSERT INTO events (timestamp, type_id, payload) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("prepare events: %w", err)
		}
		defer func() { _ = eventStmt.Close() }()
		err = src.ForEachEvent(ctx, func(ev event.Event) error {
			if _, err := eventStmt.ExecContext(ctx, ev.Timestamp, int64(ev.TypeID), ev.Payload); err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			p.Advance(1)
			return nil
		})
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return db.Close()
	})
}

func writeSQLiteMeta(ctx context.Context, tx *sql.Tx, src Source) error {
	bounds, hasBounds := src.TraceBounds()
	meta := map[string]int64{
		"schema":     sqliteSchema,
		"has_bounds": 0,
	}
	if hasBounds {
		meta["has_bounds"] = 1
		meta["trace_start"] = bounds.Start
		meta["trace_end"] = bounds.End
	}
	for key, value := range meta {
		if _, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)", key, value); err != nil {
			return fmt.Errorf("insert meta %s: %w", key, err)
		}
	}
	return nil
}

// Read implements File.
func (f *sqliteFile) Read(ctx context.Context, r event.Range, dst Sink, p Progress) error {
	p = orNop(p)
	// sql.Open would create a missing database.
	if _, err := os.Stat(f.path); err != nil {
		return err
	}
	db, err := sql.Open("sqlite", f.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	meta, err := readSQLiteMeta(ctx, db)
	if err != nil {
		return corruptf("%s: %v", f.path, err)
	}
	if meta["schema"] != sqliteSchema {
		return corruptf("%s: unsupported schema %d", f.path, meta["schema"])
	}

	var numTypes, numEvents int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM types").Scan(&numTypes); err != nil {
		return corruptf("%s: count types: %v", f.path, err)
	}
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE timestamp >= ? AND timestamp <= ?", r.Start, r.End,
	).Scan(&numEvents); err != nil {
		return corruptf("%s: count events: %v", f.path, err)
	}
	p.SetTotal(numTypes + numEvents)
	deliverBounds(dst, event.Range{Start: meta["trace_start"], End: meta["trace_end"]}, meta["has_bounds"] == 1, r)

	known, err := readSQLiteTypes(ctx, db, dst, p)
	if err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}

	rows, err := db.QueryContext(ctx,
		"SELECT timestamp, type_id, payload FROM events WHERE timestamp >= ? AND timestamp <= ? ORDER BY seq",
		r.Start, r.End)
	if err != nil {
		return corruptf("%s: query events: %v", f.path, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		if err := poll(ctx); err != nil {
			return err
		}
		var ev event.Event
		var typeID int64
		if err := rows.Scan(&ev.Timestamp, &typeID, &ev.Payload); err != nil {
			return corruptf("%s: scan event: %v", f.path, err)
		}
		id32, err := safecast.Conv[int32](typeID)
		if err != nil {
			return corruptf("%s: event type id %d: %v", f.path, typeID, err)
		}
		ev.TypeID = event.TypeID(id32)
		if err := known.check(ev); err != nil {
			return err
		}
		if err := dst.AddEvent(ev); err != nil {
			return err
		}
		p.Advance(1)
	}
	if err := rows.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return corruptf("%s: read events: %v", f.path, err)
	}
	return nil
}

func readSQLiteMeta(ctx context.Context, db *sql.DB) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	defer func() { _ = rows.Close() }()

	meta := make(map[string]int64)
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		meta[key] = value
	}
	return meta, rows.Err()
}

func readSQLiteTypes(ctx context.Context, db *sql.DB, dst Sink, p Progress) (typeChecker, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, feature, display_name, detail FROM types ORDER BY id")
	if err != nil {
		return nil, corruptf("query types: %v", err)
	}
	defer func() { _ = rows.Close() }()

	known := make(typeChecker)
	for rows.Next() {
		var id, feature int64
		var t event.Type
		if err := rows.Scan(&id, &feature, &t.DisplayName, &t.Detail); err != nil {
			return nil, corruptf("scan type: %v", err)
		}
		if feature < 0 || feature > int64(event.MaxFeature) {
			return nil, corruptf("type %d has feature %d", id, feature)
		}
		id32, err := safecast.Conv[int32](id)
		if err != nil {
			return nil, corruptf("type id %d: %v", id, err)
		}
		t.ID = event.TypeID(id32)
		t.Feature = event.Feature(feature)
		assigned, err := dst.AddEventType(t)
		if err != nil {
			return nil, fmt.Errorf("type %d: %w", id, err)
		}
		known.add(assigned)
		p.Advance(1)
	}
	if err := rows.Err(); err != nil {
		return nil, corruptf("read types: %v", err)
	}
	return known, nil
}
