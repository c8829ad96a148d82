package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHandler(t *testing.T) {
	h := NewHandler(5 * time.Second)
	require.NotNil(t, h)
	assert.Equal(t, 5*time.Second, h.timeout)
	assert.NotNil(t, h.done)
}

func TestHandlerOnShutdownRunsHooksInReverseOrder(t *testing.T) {
	h := NewHandler(time.Second)

	var mu sync.Mutex
	var callOrder []int

	for i := 1; i <= 3; i++ {
		i := i
		h.OnShutdown(func(ctx context.Context) error {
			mu.Lock()
			callOrder = append(callOrder, i)
			mu.Unlock()
			return nil
		})
	}

	require.NoError(t, h.run())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3, 2, 1}, callOrder)
}

func TestHandlerDoneClosesAfterRun(t *testing.T) {
	h := NewHandler(time.Second)

	select {
	case <-h.Done():
		t.Fatal("done channel should not be closed before run")
	default:
	}

	require.NoError(t, h.run())

	select {
	case <-h.Done():
	default:
		t.Fatal("done channel should be closed after run")
	}
}

func TestHandlerRunReturnsLastHookError(t *testing.T) {
	h := NewHandler(time.Second)

	expected := errors.New("hook failed")
	h.OnShutdown(func(ctx context.Context) error { return nil })
	h.OnShutdown(func(ctx context.Context) error { return expected })
	h.OnShutdown(func(ctx context.Context) error { return nil })

	assert.ErrorIs(t, h.run(), expected)
}

func TestHandlerRunCollectsAllHooksDespiteEarlierErrors(t *testing.T) {
	h := NewHandler(time.Second)

	var ran int32
	var mu sync.Mutex

	h.OnShutdown(func(ctx context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return errors.New("first hook failed")
	})
	h.OnShutdown(func(ctx context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})

	require.Error(t, h.run())
	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 2, ran)
}

func TestHandlerConcurrentOnShutdown(t *testing.T) {
	h := NewHandler(time.Second)

	var wg sync.WaitGroup
	const n = 10
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.OnShutdown(func(ctx context.Context) error { return nil })
		}()
	}
	wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.hooks, n)
}
