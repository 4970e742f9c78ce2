package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHandle struct {
	name   string
	closed atomic.Bool
	err    error
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return h.err
}

func factoryFor(h *fakeHandle, calls *atomic.Int32) Factory[*fakeHandle] {
	return func(ctx context.Context) (*fakeHandle, error) {
		calls.Add(1)
		return h, nil
	}
}

func TestGetOrCreateReusesHandle(t *testing.T) {
	table := NewTable[*fakeHandle](nil)
	var calls atomic.Int32
	h := &fakeHandle{name: "one"}

	got, created, err := table.GetOrCreate(context.Background(), "s1", factoryFor(h, &calls))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Same(t, h, got)

	got, created, err = table.GetOrCreate(context.Background(), "s1", factoryFor(&fakeHandle{name: "two"}, &calls))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, h, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCreateConcurrentSingleFactoryCall(t *testing.T) {
	table := NewTable[*fakeHandle](nil)
	var calls atomic.Int32
	release := make(chan struct{})
	h := &fakeHandle{name: "shared"}

	factory := func(ctx context.Context) (*fakeHandle, error) {
		calls.Add(1)
		<-release
		return h, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*fakeHandle, callers)
	var createdCount atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, created, err := table.GetOrCreate(context.Background(), "s1", factory)
			assert.NoError(t, err)
			if created {
				createdCount.Add(1)
			}
			results[i] = got
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "factory runs once per session")
	assert.Equal(t, int32(1), createdCount.Load())
	for _, got := range results {
		assert.Same(t, h, got)
	}
	assert.Equal(t, 1, table.Len())
}

func TestGetOrCreateFactoryError(t *testing.T) {
	table := NewTable[*fakeHandle](nil)
	boom := errors.New("browser crashed")

	_, _, err := table.GetOrCreate(context.Background(), "s1", func(ctx context.Context) (*fakeHandle, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	_, ok := table.Get("s1")
	assert.False(t, ok, "failed factory stores nothing")
}

func TestGetOrCreateNilHandle(t *testing.T) {
	table := NewTable[Handle](nil)

	_, _, err := table.GetOrCreate(context.Background(), "s1", func(ctx context.Context) (Handle, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNoHandle)

	ptrs := NewTable[*fakeHandle](nil)
	_, _, err = ptrs.GetOrCreate(context.Background(), "s1", func(ctx context.Context) (*fakeHandle, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNoHandle)
	assert.Equal(t, 0, ptrs.Len())
}

func TestClose(t *testing.T) {
	table := NewTable[*fakeHandle](nil)
	var calls atomic.Int32
	h := &fakeHandle{}

	_, _, err := table.GetOrCreate(context.Background(), "s1", factoryFor(h, &calls))
	require.NoError(t, err)

	require.NoError(t, table.Close("s1"))
	assert.True(t, h.closed.Load())
	_, ok := table.Get("s1")
	assert.False(t, ok)

	assert.NoError(t, table.Close("s1"), "closing twice is a no-op")
	assert.NoError(t, table.Close("unknown"))
}

func TestCloseAll(t *testing.T) {
	table := NewTable[*fakeHandle](nil)
	var calls atomic.Int32
	a := &fakeHandle{}
	b := &fakeHandle{err: errors.New("already gone")}

	_, _, err := table.GetOrCreate(context.Background(), "b", factoryFor(b, &calls))
	require.NoError(t, err)
	_, _, err = table.GetOrCreate(context.Background(), "a", factoryFor(a, &calls))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, table.Sessions())

	err = table.CloseAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already gone")
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
	assert.Zero(t, table.Len())
	assert.Empty(t, table.Sessions())
}
