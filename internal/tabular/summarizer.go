package tabular

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pguigue/mergin/internal/mergin"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteSummarizer diffs two revisions of a SQLite-backed geospatial
// container (GeoPackage files are ordinary SQLite databases) and reports
// per-table row change counts. Internal SQLite tables and GeoPackage
// metadata tables are excluded so only user data shows up in the summary.
type SQLiteSummarizer struct {
	tempDir string
}

// NewSQLiteSummarizer creates a summarizer that stages blob revisions as
// temporary files under tempDir (the system temp dir when empty).
func NewSQLiteSummarizer(tempDir string) *SQLiteSummarizer {
	return &SQLiteSummarizer{tempDir: tempDir}
}

// Supports reports whether the path names a recognized tabular container.
func (s *SQLiteSummarizer) Supports(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gpkg", ".sqlite":
		return true
	}
	return false
}

// Summarize diffs the old revision against the new one. Both revisions are
// materialized as temporary files because SQLite needs seekable storage.
func (s *SQLiteSummarizer) Summarize(path string, old, new io.Reader) ([]mergin.TableSummary, error) {
	oldPath, err := s.stage(old)
	if err != nil {
		return nil, fmt.Errorf("staging old revision of %s: %w", path, err)
	}
	defer os.Remove(oldPath)

	newPath, err := s.stage(new)
	if err != nil {
		return nil, fmt.Errorf("staging new revision of %s: %w", path, err)
	}
	defer os.Remove(newPath)

	db, err := sql.Open("sqlite3", newPath)
	if err != nil {
		return nil, fmt.Errorf("opening new revision of %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.Exec(`ATTACH DATABASE ? AS old`, oldPath); err != nil {
		return nil, fmt.Errorf("attaching old revision of %s: %w", path, err)
	}

	return diffDatabases(db)
}

// stage copies a blob revision to a temporary file.
func (s *SQLiteSummarizer) stage(r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.tempDir, "tabular-*.sqlite")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return f.Name(), nil
}

// diffDatabases compares user tables of the main (new) and the attached old
// database. Tables with no row changes are omitted from the result.
func diffDatabases(db *sql.DB) ([]mergin.TableSummary, error) {
	newTables, err := userTables(db, "main")
	if err != nil {
		return nil, err
	}
	oldTables, err := userTables(db, "old")
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool)
	for _, t := range newTables {
		names[t] = true
	}
	for _, t := range oldTables {
		names[t] = true
	}
	sorted := make([]string, 0, len(names))
	for t := range names {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)

	inNew := toSet(newTables)
	inOld := toSet(oldTables)

	var result []mergin.TableSummary
	for _, table := range sorted {
		var summary mergin.TableSummary
		var err error
		switch {
		case inNew[table] && inOld[table]:
			summary, err = diffTable(db, table)
		case inNew[table]:
			// New table: every row is an insert.
			summary.Table = table
			summary.Insert, err = countRows(db, "main", table)
		default:
			// Dropped table: every row is a delete.
			summary.Table = table
			summary.Delete, err = countRows(db, "old", table)
		}
		if err != nil {
			return nil, err
		}
		if summary.Insert+summary.Update+summary.Delete > 0 {
			result = append(result, summary)
		}
	}
	return result, nil
}

func toSet(tables []string) map[string]bool {
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		set[t] = true
	}
	return set
}

// userTables lists data tables of one schema, skipping SQLite internals,
// GeoPackage metadata and spatial index shadow tables.
func userTables(db *sql.DB, schema string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf(`
		SELECT name FROM %s.sqlite_master
		WHERE type = 'table'
		  AND name NOT LIKE 'sqlite_%%'
		  AND name NOT LIKE 'gpkg_%%'
		  AND name NOT LIKE 'rtree_%%'`, schema))
	if err != nil {
		return nil, fmt.Errorf("listing tables of %s: %w", schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// diffTable computes insert/update/delete counts for a table present in both
// revisions. Rows are matched by primary key (rowid when the table has none);
// matched rows that differ in any column count as updates.
func diffTable(db *sql.DB, table string) (mergin.TableSummary, error) {
	summary := mergin.TableSummary{Table: table}

	newCols, err := tableColumns(db, "main", table)
	if err != nil {
		return summary, err
	}
	oldCols, err := tableColumns(db, "old", table)
	if err != nil {
		return summary, err
	}
	if !columnsEqual(newCols, oldCols) {
		return summary, fmt.Errorf("table %q changed schema between revisions", table)
	}

	pk := primaryKey(newCols)
	match := pkMatch(pk, "n", "o")
	quoted := quoteIdent(table)

	err = db.QueryRow(fmt.Sprintf(
		`SELECT COUNT(*) FROM main.%s AS n WHERE NOT EXISTS (SELECT 1 FROM old.%s AS o WHERE %s)`,
		quoted, quoted, match)).Scan(&summary.Insert)
	if err != nil {
		return summary, fmt.Errorf("counting inserts in %q: %w", table, err)
	}

	err = db.QueryRow(fmt.Sprintf(
		`SELECT COUNT(*) FROM old.%s AS o WHERE NOT EXISTS (SELECT 1 FROM main.%s AS n WHERE %s)`,
		quoted, quoted, match)).Scan(&summary.Delete)
	if err != nil {
		return summary, fmt.Errorf("counting deletes in %q: %w", table, err)
	}

	// EXCEPT yields new rows that have no identical counterpart, which is
	// inserts plus updates.
	var changed int
	err = db.QueryRow(fmt.Sprintf(
		`SELECT COUNT(*) FROM (SELECT * FROM main.%s EXCEPT SELECT * FROM old.%s)`,
		quoted, quoted)).Scan(&changed)
	if err != nil {
		return summary, fmt.Errorf("counting changed rows in %q: %w", table, err)
	}
	summary.Update = changed - summary.Insert

	return summary, nil
}

type column struct {
	name string
	pk   int
}

func tableColumns(db *sql.DB, schema, table string) ([]column, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA %s.table_info(%s)`, schema, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("reading columns of %q: %w", table, err)
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning column of %q: %w", table, err)
		}
		cols = append(cols, column{name: name, pk: pk})
	}
	return cols, rows.Err()
}

func columnsEqual(a, b []column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// primaryKey returns the primary key columns in key order, or rowid when the
// table declares none.
func primaryKey(cols []column) []string {
	var keyed []column
	for _, c := range cols {
		if c.pk > 0 {
			keyed = append(keyed, c)
		}
	}
	if len(keyed) == 0 {
		return []string{"rowid"}
	}
	sort.Slice(keyed, func(i, j int) bool { return keyed[i].pk < keyed[j].pk })
	names := make([]string, len(keyed))
	for i, c := range keyed {
		names[i] = c.name
	}
	return names
}

func pkMatch(pk []string, left, right string) string {
	terms := make([]string, len(pk))
	for i, col := range pk {
		q := quoteIdent(col)
		if col == "rowid" {
			q = col
		}
		terms[i] = fmt.Sprintf("%s.%s = %s.%s", left, q, right, q)
	}
	return strings.Join(terms, " AND ")
}

func countRows(db *sql.DB, schema, table string) (int, error) {
	var count int
	err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s.%s`, schema, quoteIdent(table))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting rows of %q: %w", table, err)
	}
	return count, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Compile-time check that SQLiteSummarizer implements the Summarizer interface
var _ mergin.Summarizer = (*SQLiteSummarizer)(nil)
