package gormstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/store/storetest"
)

var dbSeq atomic.Int64

func openMemory(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:gormstore_%d?mode=memory&cache=shared", dbSeq.Add(1))
	s, err := Open(dsn, "creditgate_", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, starting int64) creditgate.Store {
		return openMemory(t, WithStartingCredits(starting))
	})
}

func TestDetectDialect(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@localhost:5432/db", DialectPostgres},
		{"host=localhost user=u dbname=db sslmode=disable", DialectPostgres},
		{"mysql://u:p@tcp(localhost:3306)/db", DialectMySQL},
		{"u:p@tcp(localhost:3306)/db?parseTime=true", DialectMySQL},
		{"file:test.db", DialectSQLite},
		{"sqlite://data/credits.db", DialectSQLite},
		{":memory:", DialectSQLite},
		{"credits.db", DialectSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			got, err := DetectDialect(tt.dsn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DetectDialect("mongodb://localhost")
	assert.Error(t, err)
}

func TestNormalizeSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file:data/credits.db", normalizeSQLiteDSN("sqlite://data/credits.db"))
	assert.Equal(t, "file:x.db", normalizeSQLiteDSN("file:x.db"))
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open("  ", "")
	assert.Error(t, err)
}

func TestAdjust_FailedOverdraftWritesNoEntry(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, WithStartingCredits(2))

	b, err := s.Adjust(ctx, "acct", -3, "reserve:r1")
	assert.ErrorIs(t, err, creditgate.ErrInsufficientFunds)
	assert.Equal(t, int64(2), b.Credits)

	entries, err := s.Entries(ctx, "acct", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
