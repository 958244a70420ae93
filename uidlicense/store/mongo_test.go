package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var mongoSeq atomic.Int64

func mongoTestDB(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("UIDLICENSE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("UIDLICENSE_TEST_MONGO_URI not set")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	db := client.Database(fmt.Sprintf("uidlicense_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return db
}

func newMongoTestStore(t *testing.T, db *mongo.Database, opts ...MongoOption) *MongoStore {
	t.Helper()
	n := mongoSeq.Add(1)
	opts = append([]MongoOption{
		WithLicenseCollection(fmt.Sprintf("licenses_%d", n)),
		WithBindingCollection(fmt.Sprintf("uids_%d", n)),
	}, opts...)
	s, err := NewMongoStore(context.Background(), db, opts...)
	require.NoError(t, err)
	return s
}

// TestMongoStore runs the store suite against a live MongoDB.
// Set UIDLICENSE_TEST_MONGO_URI to enable it.
func TestMongoStore(t *testing.T) {
	db := mongoTestDB(t)

	t.Run("Detected", func(t *testing.T) {
		runStoreSuite(t, func(t *testing.T) Store { return newMongoTestStore(t, db) })
	})
	t.Run("Compensating", func(t *testing.T) {
		runStoreSuite(t, func(t *testing.T) Store {
			return newMongoTestStore(t, db, WithTransactions(false))
		})
	})
}

func TestMongoStore_FailedReleaseKeepsBinding(t *testing.T) {
	db := mongoTestDB(t)
	ctx := context.Background()

	modes := []struct {
		name string
		opts []MongoOption
	}{
		{"compensating", []MongoOption{WithTransactions(false)}},
	}
	if newMongoTestStore(t, db).Transactional() {
		modes = append(modes, struct {
			name string
			opts []MongoOption
		}{"transaction", nil})
	}

	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			s := newMongoTestStore(t, db, mode.opts...)
			now := time.Now()
			l := seedLicense(t, s, LicenseStandard, 2, now.Add(time.Hour))
			b, err := s.Activate(ctx, newBinding(l, "ABC123", now), now)
			require.NoError(t, err)

			failing := errors.New("write failed")
			s.releaseCapacity = func(context.Context, string) error { return failing }

			_, err = s.Deactivate(ctx, b.ID)
			require.ErrorIs(t, err, failing)

			// Nothing changed, so the caller can retry.
			got, err := s.GetBinding(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, "ABC123", got.GameUID)
			assert.Equal(t, 1, usedCount(t, s, l.ID))

			s.releaseCapacity = s.release
			_, err = s.Deactivate(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, 0, usedCount(t, s, l.ID))
		})
	}
}

func TestHelloReply_SupportsTransactions(t *testing.T) {
	assert.False(t, helloReply{}.supportsTransactions())
	assert.True(t, helloReply{SetName: "rs0"}.supportsTransactions())
	assert.True(t, helloReply{Msg: "isdbgrid"}.supportsTransactions())
}

func TestNewMongoStore_InvalidCollectionName(t *testing.T) {
	_, err := NewMongoStore(context.Background(), nil, WithLicenseCollection("bad-name;drop"))
	require.Error(t, err)
}
