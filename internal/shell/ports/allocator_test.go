package ports

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/appship/internal/core/domain"
	"github.com/artpar/appship/internal/shell/store"
)

func newTestAllocator(t *testing.T, min, max int) *Allocator {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := NewAllocator(st, domain.PortRange{Min: min, Max: max}, logger)
	require.NoError(t, err)
	a.SetProbe(func(port int) bool { return true })
	return a
}

func TestNewAllocatorRejectsBadRange(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err = NewAllocator(st, domain.PortRange{Min: 5000, Max: 4000}, logger)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidRange)
}

func TestFindAvailablePortScansAscending(t *testing.T) {
	a := newTestAllocator(t, 4000, 4010)
	ctx := context.Background()

	port, err := a.FindAvailablePort(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4000, port)

	require.NoError(t, a.Reserve(ctx, 4000, "proj-1", "dep-1"))

	port, err = a.FindAvailablePort(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4001, port)
}

func TestFindAvailablePortSkipsBusyPorts(t *testing.T) {
	a := newTestAllocator(t, 4000, 4010)
	a.SetProbe(func(port int) bool { return port != 4000 && port != 4001 })

	port, err := a.FindAvailablePort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4002, port)
}

func TestFindAvailablePortExhausted(t *testing.T) {
	a := newTestAllocator(t, 3001, 3002)
	ctx := context.Background()

	require.NoError(t, a.Reserve(ctx, 3001, "proj-1", "dep-1"))
	require.NoError(t, a.Reserve(ctx, 3002, "proj-1", "dep-2"))

	_, err := a.FindAvailablePort(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoAvailablePort)
}

func TestReserveDuplicate(t *testing.T) {
	a := newTestAllocator(t, 4000, 4010)
	ctx := context.Background()

	require.NoError(t, a.Reserve(ctx, 4000, "proj-1", "dep-1"))

	err := a.Reserve(ctx, 4000, "proj-2", "dep-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPortReserved)
}

func TestAllocatedPortIsUnavailableUntilReleased(t *testing.T) {
	a := newTestAllocator(t, 4000, 4010)
	ctx := context.Background()

	port, err := a.Allocate(ctx, "proj-1", "dep-1")
	require.NoError(t, err)

	available, err := a.IsPortAvailable(ctx, port)
	require.NoError(t, err)
	assert.False(t, available)

	require.NoError(t, a.Release(ctx, port))

	available, err = a.IsPortAvailable(ctx, port)
	require.NoError(t, err)
	assert.True(t, available)
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := newTestAllocator(t, 4000, 4010)
	ctx := context.Background()

	require.NoError(t, a.Release(ctx, 4005))
	require.NoError(t, a.Release(ctx, 4005))
}

func TestReleaseProjectPorts(t *testing.T) {
	a := newTestAllocator(t, 4000, 4010)
	ctx := context.Background()

	_, err := a.Allocate(ctx, "proj-1", "dep-1")
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "proj-1", "dep-2")
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "proj-2", "dep-3")
	require.NoError(t, err)

	n, err := a.ReleaseProjectPorts(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	port, err := a.FindAvailablePort(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4000, port)
}

// Concurrent Allocate calls must never hand two callers the same port.
func TestAllocateConcurrentCallersGetDistinctPorts(t *testing.T) {
	const callers = 8
	a := newTestAllocator(t, 4000, 4000+callers-1)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[int]int)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Allocate(ctx, "proj-1", "dep")
			if err != nil {
				return
			}
			mu.Lock()
			seen[port]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, callers)
	for port, count := range seen {
		assert.Equalf(t, 1, count, "port %d allocated %d times", port, count)
	}
}

func TestReleaseStale(t *testing.T) {
	a := newTestAllocator(t, 4000, 4010)
	ctx := context.Background()

	require.NoError(t, a.Reserve(ctx, 4000, "proj-1", "dep-live"))
	require.NoError(t, a.Reserve(ctx, 4001, "proj-1", "dep-dead"))

	released, err := a.ReleaseStale(ctx, func(deploymentID string) bool {
		return deploymentID == "dep-live"
	})
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	available, err := a.IsPortAvailable(ctx, 4001)
	require.NoError(t, err)
	assert.True(t, available)

	available, err = a.IsPortAvailable(ctx, 4000)
	require.NoError(t, err)
	assert.False(t, available)
}
