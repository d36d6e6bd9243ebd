package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func colorView(body []byte) []string {
	var v struct {
		Color string `json:"color"`
	}
	if json.Unmarshal(body, &v) != nil || v.Color == "" {
		return nil
	}
	return []string{v.Color}
}

func TestCollection_PutGetRevisions(t *testing.T) {
	ctx := context.Background()
	c := openTestDB(t).Collection("things", nil)

	rev, err := c.Put(ctx, Doc{ID: "a", Body: []byte(`{"n":1}`)})
	if err != nil || rev != 1 {
		t.Fatalf("first put: rev=%d err=%v", rev, err)
	}

	// Creating the same id again conflicts
	if _, err := c.Put(ctx, Doc{ID: "a", Body: []byte(`{"n":2}`)}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate create, got %v", err)
	}

	rev, err = c.Put(ctx, Doc{ID: "a", Rev: 1, Body: []byte(`{"n":2}`)})
	if err != nil || rev != 2 {
		t.Fatalf("update: rev=%d err=%v", rev, err)
	}

	// Stale revision conflicts
	if _, err := c.Put(ctx, Doc{ID: "a", Rev: 1, Body: []byte(`{"n":3}`)}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on stale rev, got %v", err)
	}

	doc, err := c.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Rev != 2 || string(doc.Body) != `{"n":2}` {
		t.Errorf("unexpected doc %+v", doc)
	}

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCollection_ViewsFollowUpdates(t *testing.T) {
	ctx := context.Background()
	c := openTestDB(t).Collection("things", map[string]ViewFunc{"color": colorView})

	c.Put(ctx, Doc{ID: "2", Body: []byte(`{"color":"red"}`)})
	c.Put(ctx, Doc{ID: "1", Body: []byte(`{"color":"red"}`)})
	c.Put(ctx, Doc{ID: "3", Body: []byte(`{"color":"blue"}`)})

	red, err := c.View(ctx, "color", "red")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(red) != 2 || red[0].ID != "1" || red[1].ID != "2" {
		t.Fatalf("expected [1 2] in id order, got %+v", red)
	}

	// Recolor doc 1; it must leave the red view
	if _, err := c.Put(ctx, Doc{ID: "1", Rev: 1, Body: []byte(`{"color":"blue"}`)}); err != nil {
		t.Fatalf("recolor: %v", err)
	}
	red, _ = c.View(ctx, "color", "red")
	if len(red) != 1 || red[0].ID != "2" {
		t.Errorf("expected only doc 2 in red, got %+v", red)
	}

	page, err := c.Page(ctx, "color", "blue", "1", 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "3" {
		t.Errorf("expected [3] after id 1, got %+v", page)
	}
}

func TestCollection_AllPaginates(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c := db.Collection("things", nil)
	other := db.Collection("others", nil)

	for _, id := range []string{"c", "a", "b"} {
		c.Put(ctx, Doc{ID: id, Body: []byte(`{}`)})
	}
	other.Put(ctx, Doc{ID: "a0", Body: []byte(`{}`)})

	first, err := c.All(ctx, "", 2)
	if err != nil || len(first) != 2 || first[0].ID != "a" || first[1].ID != "b" {
		t.Fatalf("first page: %+v err=%v", first, err)
	}
	rest, err := c.All(ctx, first[1].ID, 2)
	if err != nil || len(rest) != 1 || rest[0].ID != "c" {
		t.Fatalf("second page: %+v err=%v", rest, err)
	}
}

func TestOpen_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "push.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.Close()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}

func TestOpen_ReportsMkdirFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	_, err := Open(filepath.Join(blocker, "sub", "push.db"))
	if err == nil || !strings.Contains(err.Error(), "sqlite mkdir") {
		t.Fatalf("expected mkdir error, got %v", err)
	}
}
