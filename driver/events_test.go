package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tomyedwab/fbdriver/dberrors"
)

// stopEngine closes the engine so goroutines it started do not count as leaks.
func stopEngine(t *testing.T, env *testEnv, ignore goleak.Option) {
	t.Helper()
	require.NoError(t, env.engine.Close())
	goleak.VerifyNone(t, ignore)
}

func TestEventCollector(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	env := newTestEnv(t)
	con := env.create(t, "events.fdb")

	ec, err := con.EventCollector("a", "b")
	require.NoError(t, err)
	_, err = ec.Wait(ctx, time.Millisecond)
	assert.Contains(t, err.Error(), "begin() not called")
	require.NoError(t, ec.Begin())
	assert.True(t, dberrors.IsInterfaceError(ec.Begin()))

	poster := env.connect(t, "events.fdb")
	exec(t, poster, "SELECT post_event('a'), post_event('a'), post_event('c') FROM rdb$database")
	require.NoError(t, poster.Commit(ctx))

	counts, err := ec.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 2, "b": 0}, counts)

	counts, err = ec.Wait(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 0, "b": 0}, counts, "timeout returns zero counts")

	exec(t, poster, "SELECT post_event('b') FROM rdb$database")
	require.NoError(t, poster.Rollback(ctx))
	exec(t, poster, "SELECT post_event('b') FROM rdb$database")
	require.NoError(t, poster.Commit(ctx))
	require.Eventually(t, func() bool {
		ec.mu.Lock()
		defer ec.mu.Unlock()
		return ec.counts["b"] == 1
	}, 5*time.Second, 5*time.Millisecond)
	ec.Flush()
	counts, err = ec.Wait(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, counts["b"])

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ec.Wait(cctx, 0)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, ec.Close())
	assert.True(t, ec.IsClosed())
	counts, err = ec.Wait(ctx, 0)
	require.NoError(t, err, "a closed collector does not block")
	assert.Equal(t, map[string]int{"a": 0, "b": 0}, counts)
	assert.NoError(t, ec.Close())
	assert.True(t, dberrors.IsInterfaceError(ec.Begin()))

	_, err = con.EventCollector()
	assert.True(t, dberrors.IsInterfaceError(err))
	stopEngine(t, env, ignore)
}

func TestConnectionCloseStopsCollectors(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	env := newTestEnv(t)
	con := env.create(t, "stop.fdb")
	ec, err := con.EventCollector("x")
	require.NoError(t, err)
	require.NoError(t, ec.Begin())
	done := make(chan error, 1)
	go func() {
		_, err := ec.Wait(ctx, 0)
		done <- err
	}()
	require.NoError(t, con.Close(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Close")
	}
	assert.True(t, ec.IsClosed())
	stopEngine(t, env, ignore)
}
