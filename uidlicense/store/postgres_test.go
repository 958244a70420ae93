package store

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

var pgSeq atomic.Int64

// TestPostgresStore runs the store suite against a live PostgreSQL.
// Set UIDLICENSE_TEST_POSTGRES_URL to enable it.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("UIDLICENSE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("UIDLICENSE_TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	runStoreSuite(t, func(t *testing.T) Store {
		prefix := fmt.Sprintf("uidlicense_test_%d", pgSeq.Add(1))
		s, err := NewPostgresStore(ctx, pool, WithTablePrefix(prefix))
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = pool.Exec(context.Background(),
				fmt.Sprintf("DROP TABLE IF EXISTS %[1]s_bindings, %[1]s_licenses", prefix))
		})
		return s
	})
}

func TestNewPostgresStore_InvalidPrefix(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), nil, WithTablePrefix("x; DROP TABLE y"))
	require.Error(t, err)
}
