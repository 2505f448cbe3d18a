package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_RequiresURL(t *testing.T) {
	_, err := NewPool(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is required")
}

func TestNewPool_InvalidURL(t *testing.T) {
	_, err := NewPool(context.Background(), Config{URL: "postgres://%zz"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse database config")
}

func TestMigrate_UnknownDirection(t *testing.T) {
	_, err := Migrate("postgres://localhost:1/none?sslmode=disable&connect_timeout=1", t.TempDir(), Direction("sideways"))
	require.Error(t, err)
}
