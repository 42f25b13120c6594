package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harida/titian/pkg/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBridge wires the bridge to an in-memory session so no subprocess is
// spawned. The ops under test never touch the session transport.
func newTestBridge(t *testing.T, timeout time.Duration) *Bridge {
	t.Helper()

	return New(Config{
		Timeout: timeout,
		Logger:  zerolog.Nop(),
		Dialer: func(ctx context.Context, script string, logger zerolog.Logger) (*mcp.Session, error) {
			_, stdinW := io.Pipe()
			stdoutR, stdoutW := io.Pipe()
			t.Cleanup(func() { _ = stdoutW.Close() })
			return mcp.NewSession(stdinW, stdoutR, logger), nil
		},
	})
}

func connect(t *testing.T, b *Bridge) {
	t.Helper()
	require.NoError(t, b.Connect(context.Background(), "server.py"))
	t.Cleanup(func() { _ = b.Close() })
}

func TestBridge_ConnectAndClose(t *testing.T) {
	b := newTestBridge(t, time.Second)
	assert.False(t, b.Connected())

	connect(t, b)
	assert.True(t, b.Connected())

	require.NoError(t, b.Close())
	assert.False(t, b.Connected())
}

func TestBridge_DoubleConnectFailsFast(t *testing.T) {
	b := newTestBridge(t, time.Second)
	connect(t, b)

	err := b.Connect(context.Background(), "server.py")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.True(t, b.Connected())
}

func TestBridge_ConnectFailureLeavesBridgeDisconnected(t *testing.T) {
	b := newTestBridge(t, time.Second)
	dialErr := errors.New("spawn failed")
	healthyDial := b.dial
	b.dial = func(ctx context.Context, script string, logger zerolog.Logger) (*mcp.Session, error) {
		return nil, dialErr
	}

	err := b.Connect(context.Background(), "server.py")
	require.Error(t, err)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "server.py", connErr.Script)
	assert.ErrorIs(t, err, dialErr)
	assert.False(t, b.Connected())

	// A failed dial must not poison the bridge for the next attempt.
	b.dial = healthyDial
	connect(t, b)
	assert.True(t, b.Connected())
}

func TestBridge_CallBeforeConnect(t *testing.T) {
	b := newTestBridge(t, time.Second)

	_, err := b.Call(context.Background(), "tools/list", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		t.Fatal("op must not run on a disconnected bridge")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBridge_CallReturnsOpResult(t *testing.T) {
	b := newTestBridge(t, time.Second)
	connect(t, b)

	value, err := b.Call(context.Background(), "tools/list", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		return []string{"add", "weather"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "weather"}, value)
}

func TestBridge_CallPropagatesOpError(t *testing.T) {
	b := newTestBridge(t, time.Second)
	connect(t, b)

	opErr := errors.New("tool exploded")
	_, err := b.Call(context.Background(), "tools/call", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		return nil, opErr
	})
	assert.ErrorIs(t, err, opErr)
	assert.True(t, b.Connected(), "an op error must not tear the bridge down")
}

func TestBridge_MutualExclusion(t *testing.T) {
	b := newTestBridge(t, 5*time.Second)
	connect(t, b)

	var active, overlapped int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Call(context.Background(), "tools/call", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
				if atomic.AddInt32(&active, 1) != 1 {
					atomic.StoreInt32(&overlapped, 1)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlapped), "bridged ops ran concurrently")
}

func TestBridge_SameLoopReentrancy(t *testing.T) {
	b := newTestBridge(t, time.Second)
	connect(t, b)

	// A nested call issued from inside an op must run in place instead of
	// deadlocking against the loop it is already on.
	value, err := b.Call(context.Background(), "outer", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		return b.Call(ctx, "inner", func(ctx context.Context, inner *mcp.Session) (interface{}, error) {
			assert.Same(t, session, inner)
			return "nested", nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "nested", value)
}

func TestBridge_TimeoutCancelsOpAndStaysUsable(t *testing.T) {
	b := newTestBridge(t, 50*time.Millisecond)
	connect(t, b)

	opCanceled := make(chan struct{})
	_, err := b.Call(context.Background(), "tools/call", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		<-ctx.Done()
		close(opCanceled)
		return "late", nil
	})

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)

	select {
	case <-opCanceled:
	case <-time.After(time.Second):
		t.Fatal("timed-out op never saw cancellation")
	}

	// The late result is discarded; the next caller gets its own answer.
	value, err := b.Call(context.Background(), "tools/list", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
}

func TestBridge_CallerContextCancellation(t *testing.T) {
	b := newTestBridge(t, 5*time.Second)
	connect(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := b.Call(ctx, "tools/call", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBridge_CloseIdempotent(t *testing.T) {
	b := newTestBridge(t, time.Second)
	connect(t, b)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Call(context.Background(), "tools/list", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBridge_CloseWithoutConnect(t *testing.T) {
	b := newTestBridge(t, time.Second)
	assert.NoError(t, b.Close())
}

func TestBridge_CloseWaitsForInFlightCall(t *testing.T) {
	b := newTestBridge(t, time.Second)
	connect(t, b)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := b.Call(context.Background(), "tools/call", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		})
		assert.NoError(t, err)
	}()

	<-started
	require.NoError(t, b.Close())
	<-done
}

func TestBridge_ServerInfoWhenDisconnected(t *testing.T) {
	b := newTestBridge(t, time.Second)
	_, ok := b.ServerInfo()
	assert.False(t, ok)
}

func TestBridge_DefaultTimeoutApplied(t *testing.T) {
	b := New(Config{Logger: zerolog.Nop()})
	assert.Equal(t, DefaultTimeout, b.timeout)
}
