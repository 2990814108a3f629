package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Workspace is a directory holding heatspec.yml and the .heatspec job graph store.
type Workspace string

const (
	storeDir  = ".heatspec"
	storeFile = "heatspec.db"
)

func (w Workspace) root() string {
	if w == "" {
		return "."
	}
	return string(w)
}

// StoreDir is where the job graph database and logs live.
func (w Workspace) StoreDir() string {
	return filepath.Join(w.root(), storeDir)
}

// DBPath is the SQLite file holding job graphs, facts, decisions and the audit trail.
func (w Workspace) DBPath() string {
	return filepath.Join(w.StoreDir(), storeFile)
}

// Ensure creates the store directory if missing and returns it.
func (w Workspace) Ensure() (string, error) {
	dir := w.StoreDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace store %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the job graph store. Facts and decisions reference their job graph,
// so foreign keys are enforced on every connection.
func Open(w Workspace) (*sql.DB, error) {
	if _, err := w.Ensure(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	conn, err := sql.Open("sqlite", "file:"+w.DBPath()+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open job graph store: %w", err)
	}
	return conn, nil
}
