package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "taskrelay.db"

// Config selects the storage backend per spec §6 "--storage {memory|sqlite}".
type Config struct {
	Backend    string // "memory" or "sqlite"
	SqlitePath string
}

// Open opens the sqlite backend, creating its parent directory if needed, or
// a shared-cache in-process memory database when Backend is "memory". Both
// paths go through the same driver so there is exactly one storage code
// path, matching the teacher's single modernc.org/sqlite DSN shape.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.Backend == "memory" {
		conn, err := sql.Open("sqlite", "file:taskrelay-mem?mode=memory&cache=shared&_pragma=foreign_keys(1)")
		if err != nil {
			return nil, err
		}
		conn.SetMaxOpenConns(1)
		return conn, nil
	}

	path := cfg.SqlitePath
	if path == "" {
		path = defaultDBName
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("db: create parent dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
