package mysql

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_add_index.sql": {Data: []byte("CREATE INDEX a ON t (x);")},
		"0001_init.sql":      {Data: []byte("CREATE TABLE t (x INT);\n\nINSERT INTO t VALUES (1);")},
		"README.md":          {Data: []byte("ignored")},
		"0003_empty.sql":     {Data: []byte("  ;  ")},
	}

	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if files[0].version != "0001" || len(files[0].statements) != 2 {
		t.Fatalf("unexpected first migration: %+v", files[0])
	}
	if files[1].name != "0002_add_index.sql" {
		t.Fatalf("unexpected second migration: %+v", files[1])
	}
}

func TestEmbeddedMigrationsParse(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}
	if len(files) == 0 || files[0].version != "0001" {
		t.Fatalf("expected wallet_events migration first, got %+v", files)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_init.sql": "0001",
		"0007.sql":      "0007",
		"plain":         "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := openDatabase(t.Context(), Config{}); err == nil {
		t.Fatalf("expected empty DSN to fail")
	}
}
