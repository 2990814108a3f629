package db_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heatspec/internal/db"
)

func TestWorkspaceLayout(t *testing.T) {
	assert.Equal(t, filepath.Join(".", ".heatspec", "heatspec.db"), db.Workspace("").DBPath())
	assert.Equal(t, filepath.Join("site", ".heatspec"), db.Workspace("site").StoreDir())
}

func TestOpenEnforcesForeignKeys(t *testing.T) {
	w := db.Workspace(t.TempDir())
	conn, err := db.Open(w)
	require.NoError(t, err)
	defer conn.Close()

	var on int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&on))
	assert.Equal(t, 1, on)

	_, err = os.Stat(w.DBPath())
	require.NoError(t, err)
}
