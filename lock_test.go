package creditgate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "acct")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, m.held())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	m := NewKeyedMutex()

	unlockA, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlockB, err := m.Lock(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 2, m.held())

	unlockA()
	unlockB()
	assert.Zero(t, m.held())
}

func TestKeyedMutex_ContextCanceled(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "acct")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "acct")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Zero(t, m.held())
}
