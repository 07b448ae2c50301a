// Package index keeps an in-memory SQLite index of the searchable parts of
// an open repository: ids, titles, types, tags and text field values.
// Secret field values are never inserted.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/forest6511/credstore/pkg/credential"
)

// DefaultLimit applies when Search is called with limit <= 0.
const DefaultLimit = 50

var schema = []string{
	`CREATE TABLE records (
		id    TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		type  TEXT NOT NULL
	)`,
	`CREATE TABLE terms (
		id    TEXT NOT NULL,
		kind  TEXT NOT NULL,
		name  TEXT NOT NULL,
		value TEXT NOT NULL
	)`,
	`CREATE INDEX idx_terms_id ON terms(id)`,
}

// Index is a per-session search index. It is safe for concurrent use.
type Index struct {
	db *sql.DB
}

// Open creates an empty in-memory index.
func Open() (*Index, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("index: create schema: %w", err)
		}
	}
	return &Index{db: db}, nil
}

// Close releases the database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Rebuild replaces the whole index with records.
func (i *Index) Rebuild(ctx context.Context, records []*credential.Record) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM terms", "DELETE FROM records"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("index: clear: %w", err)
		}
	}
	for _, rec := range records {
		if err := insert(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	return nil
}

// Put inserts or replaces one record.
func (i *Index) Put(ctx context.Context, rec *credential.Record) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer tx.Rollback()

	if err := remove(ctx, tx, rec.ID); err != nil {
		return err
	}
	if err := insert(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	return nil
}

// Remove deletes a record from the index. Removing an absent id is not an
// error.
func (i *Index) Remove(ctx context.Context, id string) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer tx.Rollback()
	if err := remove(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	return nil
}

// Search returns ids of records whose id, title, type, tags or text values
// contain query, ignoring ASCII case. Results are ordered by id.
func (i *Index) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := i.db.QueryContext(ctx, `
		SELECT r.id FROM records r
		WHERE r.id LIKE ?1 ESCAPE '\'
		   OR r.title LIKE ?1 ESCAPE '\'
		   OR r.type LIKE ?1 ESCAPE '\'
		   OR EXISTS (SELECT 1 FROM terms t WHERE t.id = r.id AND t.value LIKE ?1 ESCAPE '\')
		ORDER BY r.id
		LIMIT ?2`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("index: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Len returns the number of indexed records.
func (i *Index) Len(ctx context.Context) (int, error) {
	var n int
	err := i.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n)
	return n, err
}

func insert(ctx context.Context, tx *sql.Tx, rec *credential.Record) error {
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO records (id, title, type) VALUES (?, ?, ?)",
		rec.ID, rec.Title, rec.Type); err != nil {
		return fmt.Errorf("index: insert %s: %w", rec.ID, err)
	}
	for _, tag := range rec.Tags {
		if err := insertTerm(ctx, tx, rec.ID, "tag", "", tag); err != nil {
			return err
		}
	}
	for _, name := range rec.FieldNames() {
		v, ok := rec.Fields[name].TextValue()
		if !ok {
			continue
		}
		if err := insertTerm(ctx, tx, rec.ID, "field", name, v); err != nil {
			return err
		}
	}
	return nil
}

func insertTerm(ctx context.Context, tx *sql.Tx, id, kind, name, value string) error {
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO terms (id, kind, name, value) VALUES (?, ?, ?, ?)",
		id, kind, name, value); err != nil {
		return fmt.Errorf("index: insert %s term: %w", id, err)
	}
	return nil
}

func remove(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM terms WHERE id = ?", id); err != nil {
		return fmt.Errorf("index: remove %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id); err != nil {
		return fmt.Errorf("index: remove %s: %w", id, err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
