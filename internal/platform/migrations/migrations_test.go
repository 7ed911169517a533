package migrations

import (
	"database/sql"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestSourceListsVersionsInOrder(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	require.Equal(t, uint(1), first)

	versions := []uint{first}
	current := first
	for {
		next, err := src.Next(current)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		require.NoError(t, err)
		versions = append(versions, next)
		current = next
	}
	require.Equal(t, []uint{1, 2, 3}, versions)
}

func TestEveryUpHasDown(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	for _, version := range []uint{1, 2, 3} {
		up, ident, err := src.ReadUp(version)
		require.NoError(t, err, "up %d", version)
		body, err := io.ReadAll(up)
		up.Close()
		require.NoError(t, err)
		require.True(t, strings.Contains(string(body), "CREATE TABLE"), "migration %d (%s) creates nothing", version, ident)

		down, _, err := src.ReadDown(version)
		require.NoError(t, err, "down %d", version)
		down.Close()
	}
}

func TestUpIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("up: %v", err)
	}
	// A second run is a no-op.
	if err := Up(db); err != nil {
		t.Fatalf("second up: %v", err)
	}
	version, dirty, err := Version(db)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 3 || dirty {
		t.Fatalf("unexpected schema version %d (dirty=%v)", version, dirty)
	}
}
