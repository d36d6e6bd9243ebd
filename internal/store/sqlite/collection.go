package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned by Put when the stored revision moved on.
	ErrConflict = errors.New("document update conflict")
	// ErrNotFound is returned by Get for a missing id.
	ErrNotFound = errors.New("document not found")
)

// ViewFunc maps a document body to the index keys it is listed under.
// It plays the role of a map function in a document database view.
type ViewFunc func(body []byte) []string

// Doc is one stored document. Rev 0 means "not stored yet".
type Doc struct {
	ID   string
	Rev  int64
	Body []byte
}

// Collection is a named set of JSON documents with optimistic revisions and
// secondary views that are recomputed on every write.
type Collection struct {
	db    *sql.DB
	name  string
	views map[string]ViewFunc
}

// Collection returns a handle on the named collection with the given views.
func (d *DB) Collection(name string, views map[string]ViewFunc) *Collection {
	return &Collection{db: d.db, name: name, views: views}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Get loads one document.
func (c *Collection) Get(ctx context.Context, id string) (Doc, error) {
	doc := Doc{ID: id}
	var body string
	err := c.db.QueryRowContext(ctx,
		`SELECT rev, body FROM docs WHERE collection = ? AND id = ?`, c.name, id,
	).Scan(&doc.Rev, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Doc{}, fmt.Errorf("%s/%s: %w", c.name, id, ErrNotFound)
		}
		return Doc{}, fmt.Errorf("sqlite get %s/%s: %w", c.name, id, err)
	}
	doc.Body = []byte(body)
	return doc, nil
}

// Put writes doc if doc.Rev matches the stored revision (0 for a new id) and
// returns the new revision. A mismatch yields ErrConflict and writes nothing.
func (c *Collection) Put(ctx context.Context, doc Doc) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT rev FROM docs WHERE collection = ? AND id = ?`, c.name, doc.ID,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return 0, fmt.Errorf("sqlite read rev %s/%s: %w", c.name, doc.ID, err)
	}
	if current != doc.Rev {
		return 0, fmt.Errorf("%s/%s at rev %d (have %d): %w", c.name, doc.ID, current, doc.Rev, ErrConflict)
	}

	next := current + 1
	if current == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO docs (collection, id, rev, body) VALUES (?, ?, ?, ?)`,
			c.name, doc.ID, next, string(doc.Body))
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE docs SET rev = ?, body = ? WHERE collection = ? AND id = ?`,
			next, string(doc.Body), c.name, doc.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite write %s/%s: %w", c.name, doc.ID, err)
	}

	if err := c.reindex(ctx, tx, doc); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite commit %s/%s: %w", c.name, doc.ID, err)
	}
	return next, nil
}

func (c *Collection) reindex(ctx context.Context, tx *sql.Tx, doc Doc) error {
	if len(c.views) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM doc_views WHERE collection = ? AND id = ?`, c.name, doc.ID); err != nil {
		return fmt.Errorf("sqlite clear views %s/%s: %w", c.name, doc.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO doc_views (collection, view, key, id) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for view, fn := range c.views {
		for _, key := range fn(doc.Body) {
			if _, err := stmt.ExecContext(ctx, c.name, view, key, doc.ID); err != nil {
				return fmt.Errorf("sqlite index %s/%s in %s: %w", c.name, doc.ID, view, err)
			}
		}
	}
	return nil
}

// View returns every document listed under key in view, ordered by id.
func (c *Collection) View(ctx context.Context, view, key string) ([]Doc, error) {
	return c.Page(ctx, view, key, "", 0)
}

// Page returns up to limit documents listed under key in view with id > afterID,
// ordered by id. limit <= 0 means no limit.
func (c *Collection) Page(ctx context.Context, view, key, afterID string, limit int) ([]Doc, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT d.id, d.rev, d.body
		FROM doc_views v
		JOIN docs d ON d.collection = v.collection AND d.id = v.id
		WHERE v.collection = ? AND v.view = ? AND v.key = ? AND v.id > ?
		ORDER BY v.id ASC
		LIMIT ?
	`, c.name, view, key, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite view %s/%s[%s]: %w", c.name, view, key, err)
	}
	return scanDocs(rows)
}

// All pages through every document in the collection, ordered by id.
func (c *Collection) All(ctx context.Context, afterID string, limit int) ([]Doc, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, rev, body FROM docs
		WHERE collection = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, c.name, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite list %s: %w", c.name, err)
	}
	return scanDocs(rows)
}

func scanDocs(rows *sql.Rows) ([]Doc, error) {
	defer rows.Close()
	var docs []Doc
	for rows.Next() {
		var d Doc
		var body string
		if err := rows.Scan(&d.ID, &d.Rev, &body); err != nil {
			return nil, fmt.Errorf("sqlite scan doc: %w", err)
		}
		d.Body = []byte(body)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
