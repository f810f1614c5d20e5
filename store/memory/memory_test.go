package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, starting int64) creditgate.Store {
		return New(WithStartingCredits(starting))
	})
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestStore_UsesClock(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(fixedClock(at)))

	b, err := s.Adjust(context.Background(), "acct", 1, "grant:test")
	require.NoError(t, err)
	assert.True(t, b.CreatedAt.Equal(at))

	entries, err := s.Entries(context.Background(), "acct", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].CreatedAt.Equal(at))
	assert.NotEmpty(t, entries[0].ID)
}
