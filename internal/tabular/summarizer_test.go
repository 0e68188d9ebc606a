package tabular_test

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pguigue/mergin/internal/tabular"
)

// buildDB creates a SQLite database file from the given statements and
// returns its raw bytes, as they would arrive from the content store.
func buildDB(t *testing.T, statements ...string) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "revision.sqlite")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("closing database: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading database file: %v", err)
	}
	return data
}

func TestSQLiteSummarizer_Supports(t *testing.T) {
	s := tabular.NewSQLiteSummarizer("")

	tests := []struct {
		path string
		want bool
	}{
		{"survey.gpkg", true},
		{"data/Survey.GPKG", true},
		{"notes.sqlite", true},
		{"notes.txt", false},
		{"project.qgz", false},
		{"gpkg", false},
	}
	for _, tt := range tests {
		if got := s.Supports(tt.path); got != tt.want {
			t.Errorf("Supports(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSQLiteSummarizer_Summarize(t *testing.T) {
	s := tabular.NewSQLiteSummarizer("")

	t.Run("counts inserts updates and deletes", func(t *testing.T) {
		old := buildDB(t,
			`CREATE TABLE points (fid INTEGER PRIMARY KEY, name TEXT)`,
			`INSERT INTO points VALUES (1, 'a'), (2, 'b'), (3, 'c')`,
		)
		new := buildDB(t,
			`CREATE TABLE points (fid INTEGER PRIMARY KEY, name TEXT)`,
			`INSERT INTO points VALUES (1, 'a'), (2, 'B'), (4, 'd')`,
		)

		summary, err := s.Summarize("survey.gpkg", bytes.NewReader(old), bytes.NewReader(new))
		if err != nil {
			t.Fatalf("Summarize() error = %v", err)
		}
		if len(summary) != 1 {
			t.Fatalf("summary = %+v, want one table", summary)
		}
		got := summary[0]
		if got.Table != "points" || got.Insert != 1 || got.Update != 1 || got.Delete != 1 {
			t.Errorf("points summary = %+v, want insert 1, update 1, delete 1", got)
		}
	})

	t.Run("unchanged tables are omitted", func(t *testing.T) {
		schema := []string{
			`CREATE TABLE points (fid INTEGER PRIMARY KEY, name TEXT)`,
			`INSERT INTO points VALUES (1, 'a')`,
			`CREATE TABLE tracks (fid INTEGER PRIMARY KEY, length REAL)`,
			`INSERT INTO tracks VALUES (1, 2.5)`,
		}
		old := buildDB(t, schema...)
		new := buildDB(t, append(schema, `INSERT INTO points VALUES (2, 'b')`)...)

		summary, err := s.Summarize("survey.gpkg", bytes.NewReader(old), bytes.NewReader(new))
		if err != nil {
			t.Fatalf("Summarize() error = %v", err)
		}
		if len(summary) != 1 || summary[0].Table != "points" || summary[0].Insert != 1 {
			t.Errorf("summary = %+v, want only points with one insert", summary)
		}
	})

	t.Run("new and dropped tables", func(t *testing.T) {
		old := buildDB(t,
			`CREATE TABLE legacy (fid INTEGER PRIMARY KEY)`,
			`INSERT INTO legacy VALUES (1), (2)`,
		)
		new := buildDB(t,
			`CREATE TABLE fresh (fid INTEGER PRIMARY KEY)`,
			`INSERT INTO fresh VALUES (1), (2), (3)`,
		)

		summary, err := s.Summarize("survey.gpkg", bytes.NewReader(old), bytes.NewReader(new))
		if err != nil {
			t.Fatalf("Summarize() error = %v", err)
		}
		if len(summary) != 2 {
			t.Fatalf("summary = %+v, want two tables", summary)
		}
		// Sorted by table name.
		if summary[0].Table != "fresh" || summary[0].Insert != 3 {
			t.Errorf("fresh = %+v, want 3 inserts", summary[0])
		}
		if summary[1].Table != "legacy" || summary[1].Delete != 2 {
			t.Errorf("legacy = %+v, want 2 deletes", summary[1])
		}
	})

	t.Run("tables without a primary key match by rowid", func(t *testing.T) {
		old := buildDB(t,
			`CREATE TABLE notes (body TEXT)`,
			`INSERT INTO notes VALUES ('first'), ('second')`,
		)
		new := buildDB(t,
			`CREATE TABLE notes (body TEXT)`,
			`INSERT INTO notes VALUES ('first'), ('edited'), ('third')`,
		)

		summary, err := s.Summarize("notes.sqlite", bytes.NewReader(old), bytes.NewReader(new))
		if err != nil {
			t.Fatalf("Summarize() error = %v", err)
		}
		if len(summary) != 1 {
			t.Fatalf("summary = %+v, want one table", summary)
		}
		got := summary[0]
		if got.Insert != 1 || got.Update != 1 || got.Delete != 0 {
			t.Errorf("notes summary = %+v, want insert 1, update 1, delete 0", got)
		}
	})

	t.Run("metadata tables are ignored", func(t *testing.T) {
		old := buildDB(t,
			`CREATE TABLE points (fid INTEGER PRIMARY KEY)`,
		)
		new := buildDB(t,
			`CREATE TABLE points (fid INTEGER PRIMARY KEY)`,
			`CREATE TABLE gpkg_contents (table_name TEXT)`,
			`INSERT INTO gpkg_contents VALUES ('points')`,
			`INSERT INTO points VALUES (1)`,
		)

		summary, err := s.Summarize("survey.gpkg", bytes.NewReader(old), bytes.NewReader(new))
		if err != nil {
			t.Fatalf("Summarize() error = %v", err)
		}
		if len(summary) != 1 || summary[0].Table != "points" {
			t.Errorf("summary = %+v, want only points", summary)
		}
	})

	t.Run("schema change between revisions fails", func(t *testing.T) {
		old := buildDB(t,
			`CREATE TABLE points (fid INTEGER PRIMARY KEY)`,
		)
		new := buildDB(t,
			`CREATE TABLE points (fid INTEGER PRIMARY KEY, name TEXT)`,
			`INSERT INTO points VALUES (1, 'a')`,
		)

		if _, err := s.Summarize("survey.gpkg", bytes.NewReader(old), bytes.NewReader(new)); err == nil {
			t.Error("Summarize() with changed schema succeeded, want error")
		}
	})

	t.Run("garbage input fails", func(t *testing.T) {
		valid := buildDB(t, `CREATE TABLE points (fid INTEGER PRIMARY KEY)`)
		garbage := []byte("this is not a sqlite file at all, not even close")

		if _, err := s.Summarize("survey.gpkg", bytes.NewReader(garbage), bytes.NewReader(valid)); err == nil {
			t.Error("Summarize() with garbage old revision succeeded, want error")
		}
	})
}
