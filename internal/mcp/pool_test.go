package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/agentrun/internal/storage"
	"github.com/dotcommander/agentrun/internal/stream"
)

type fakeConn struct {
	tools  []stream.Tool
	err    error
	closed atomic.Bool
}

func (c *fakeConn) Tools() []stream.Tool { return c.tools }

func (c *fakeConn) CallTool(_ context.Context, name string, args []byte) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return name + string(args), nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	dials   atomic.Int32
	delay   time.Duration
	err     error
	callErr error
	mu      sync.Mutex
	conns   []*fakeConn
	release chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, tools []string) (Conn, error) {
	d.dials.Add(1)
	if d.release != nil {
		<-d.release
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{err: d.callErr}
	for _, name := range tools {
		c.tools = append(c.tools, stream.Tool{Name: name})
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func TestNewKey(t *testing.T) {
	a := NewKey("ws", []string{"b", "a", "b"})
	b := NewKey("ws", []string{"a", "b"})
	require.Equal(t, a, b)
	require.Equal(t, []string{"a", "b"}, a.Names())
	require.NotEqual(t, a, NewKey("other", []string{"a", "b"}))
	require.Nil(t, NewKey("ws", nil).Names())
}

func TestPoolCoalescesConcurrentDials(t *testing.T) {
	dialer := &fakeDialer{release: make(chan struct{})}
	pool := NewPool(dialer, PoolConfig{})
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	const n = 20
	leases := make([]*Lease, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), "ws-1", []string{"search", "fetch"}, "test")
			require.NoError(t, err)
			leases[i] = lease
		}()
	}

	require.Eventually(t, func() bool { return dialer.dials.Load() == 1 }, time.Second, time.Millisecond)
	close(dialer.release)
	wg.Wait()

	require.EqualValues(t, 1, dialer.dials.Load())
	require.Equal(t, 1, pool.Len())
	for _, l := range leases {
		require.Same(t, leases[0].entry, l.entry)
	}
	require.Equal(t, n, leases[0].entry.refs)

	for _, l := range leases {
		l.Release()
		l.Release()
	}
	require.Equal(t, 0, leases[0].entry.refs)
}

func TestPoolSeparateKeys(t *testing.T) {
	dialer := &fakeDialer{}
	pool := NewPool(dialer, PoolConfig{})
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	ctx := context.Background()
	a, err := pool.Acquire(ctx, "ws-1", []string{"search"}, "test")
	require.NoError(t, err)
	b, err := pool.Acquire(ctx, "ws-2", []string{"search"}, "test")
	require.NoError(t, err)
	c, err := pool.Acquire(ctx, "ws-1", []string{"search"}, "test")
	require.NoError(t, err)

	require.EqualValues(t, 2, dialer.dials.Load())
	require.NotSame(t, a.entry, b.entry)
	require.Same(t, a.entry, c.entry)

	out, err := a.CallTool(ctx, "search", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "search{}", out)
	require.Len(t, a.Tools(), 1)
}

func TestPoolEvictIdle(t *testing.T) {
	dialer := &fakeDialer{}
	pool := NewPool(dialer, PoolConfig{})
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	now := time.Now()
	pool.now = func() time.Time { return now }

	ctx := context.Background()
	busy, err := pool.Acquire(ctx, "ws-1", []string{"a"}, "test")
	require.NoError(t, err)
	idle, err := pool.Acquire(ctx, "ws-2", []string{"a"}, "test")
	require.NoError(t, err)
	idle.Release()

	now = now.Add(time.Minute)
	require.Equal(t, 1, pool.EvictIdle(time.Minute))
	require.Equal(t, 1, pool.Len())
	require.True(t, idle.entry.conn.(*fakeConn).closed.Load())
	require.False(t, busy.entry.conn.(*fakeConn).closed.Load())

	// the next request re-creates the evicted connection.
	again, err := pool.Acquire(ctx, "ws-2", []string{"a"}, "test")
	require.NoError(t, err)
	require.NotSame(t, idle.entry, again.entry)
	require.EqualValues(t, 3, dialer.dials.Load())
}

func TestPoolJanitor(t *testing.T) {
	dialer := &fakeDialer{}
	pool := NewPool(dialer, PoolConfig{IdleTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	lease, err := pool.Acquire(context.Background(), "ws-1", []string{"a"}, "test")
	require.NoError(t, err)
	lease.Release()
	require.Eventually(t, func() bool { return pool.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolClose(t *testing.T) {
	dialer := &fakeDialer{}
	pool := NewPool(dialer, PoolConfig{IdleTimeout: time.Hour})

	lease, err := pool.Acquire(context.Background(), "ws-1", []string{"a"}, "test")
	require.NoError(t, err)
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())
	require.True(t, lease.entry.conn.(*fakeConn).closed.Load())

	_, err = pool.Acquire(context.Background(), "ws-1", []string{"a"}, "test")
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolDialError(t *testing.T) {
	pool := NewPool(&fakeDialer{err: errors.New("refused")}, PoolConfig{})
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	_, err := pool.Acquire(context.Background(), "ws-1", []string{"a"}, "test")
	require.ErrorContains(t, err, "refused")
	require.Equal(t, 0, pool.Len())
}

func TestPoolDropsBrokenConnection(t *testing.T) {
	dialer := &fakeDialer{callErr: fmt.Errorf("mcp: %w: stream closed", ErrConnBroken)}
	pool := NewPool(dialer, PoolConfig{})
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	ctx := context.Background()
	lease, err := pool.Acquire(ctx, "ws-1", []string{"a"}, "test")
	require.NoError(t, err)
	other, err := pool.Acquire(ctx, "ws-1", []string{"a"}, "test")
	require.NoError(t, err)
	conn := lease.entry.conn.(*fakeConn)

	_, err = lease.CallTool(ctx, "a", nil)
	require.ErrorIs(t, err, ErrConnBroken)
	require.Equal(t, 0, pool.Len())

	// closed only once the last lease is gone.
	lease.Release()
	require.False(t, conn.closed.Load())
	other.Release()
	require.True(t, conn.closed.Load())

	again, err := pool.Acquire(ctx, "ws-1", []string{"a"}, "test")
	require.NoError(t, err)
	defer again.Release()
	require.NotSame(t, lease.entry, again.entry)
	require.EqualValues(t, 2, dialer.dials.Load())
}

func TestPoolKeepsConnectionOnToolError(t *testing.T) {
	dialer := &fakeDialer{callErr: errors.New("bad input")}
	pool := NewPool(dialer, PoolConfig{})
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	lease, err := pool.Acquire(context.Background(), "ws-1", []string{"a"}, "test")
	require.NoError(t, err)
	_, err = lease.CallTool(context.Background(), "a", nil)
	require.EqualError(t, err, "bad input")
	lease.Release()

	require.Equal(t, 1, pool.Len())
	require.False(t, lease.entry.conn.(*fakeConn).closed.Load())
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	dialer := &fakeDialer{release: make(chan struct{})}
	pool := NewPool(dialer, PoolConfig{})
	t.Cleanup(func() {
		close(dialer.release)
		require.NoError(t, pool.Close())
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx, "ws-1", []string{"a"}, "test")
		errc <- err
	}()
	require.Eventually(t, func() bool { return dialer.dials.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}

func TestBroker(t *testing.T) {
	ctx := context.Background()
	agent := storage.Agent{ID: "a", Tools: []storage.ToolRef{
		{Name: "search", Enabled: true},
		{Name: "delete", Enabled: false},
	}}

	t.Run("leases enabled tools", func(t *testing.T) {
		dialer := &fakeDialer{}
		pool := NewPool(dialer, PoolConfig{})
		t.Cleanup(func() { require.NoError(t, pool.Close()) })

		lease := NewBroker(pool, nil).Tools(ctx, agent, "ws-1", "chat")
		require.NotNil(t, lease)
		defer lease.Release()
		require.Equal(t, []stream.Tool{{Name: "search"}}, lease.Tools())
		require.NotNil(t, lease.Caller())
	})

	t.Run("no workspace or no tools", func(t *testing.T) {
		dialer := &fakeDialer{}
		pool := NewPool(dialer, PoolConfig{})
		t.Cleanup(func() { require.NoError(t, pool.Close()) })
		b := NewBroker(pool, nil)

		require.Nil(t, b.Tools(ctx, agent, "", "chat"))
		require.Nil(t, b.Tools(ctx, storage.Agent{}, "ws-1", "chat"))
		require.Zero(t, dialer.dials.Load())
	})

	t.Run("connection failure degrades", func(t *testing.T) {
		pool := NewPool(&fakeDialer{err: errors.New("down")}, PoolConfig{})
		t.Cleanup(func() { require.NoError(t, pool.Close()) })

		lease := NewBroker(pool, nil).Tools(ctx, agent, "ws-1", "chat")
		require.Nil(t, lease)
		require.Nil(t, lease.Tools())
		require.Nil(t, lease.Caller())
		lease.Release()
		_, err := lease.CallTool(ctx, "search", nil)
		require.Error(t, err)
	})

	t.Run("nil pool", func(t *testing.T) {
		require.Nil(t, NewBroker(nil, nil).Tools(ctx, agent, "ws-1", "chat"))
	})
}

func TestResultText(t *testing.T) {
	out, err := resultText(&mcp.CallToolResult{Content: []mcp.Content{
		mcp.TextContent{Type: "text", Text: "hello "},
		mcp.TextContent{Type: "text", Text: "world"},
	}})
	require.NoError(t, err)
	require.Equal(t, "hello world", out)

	_, err = resultText(&mcp.CallToolResult{IsError: true, Content: []mcp.Content{
		mcp.TextContent{Type: "text", Text: "bad input"},
	}})
	require.EqualError(t, err, "bad input")
}

func TestDecodeArgs(t *testing.T) {
	args, err := decodeArgs([]byte(`{"q":"x"}`))
	require.NoError(t, err)
	require.Equal(t, "x", args["q"])

	args, err = decodeArgs(nil)
	require.NoError(t, err)
	require.Nil(t, args)

	_, err = decodeArgs([]byte(`{`))
	require.Error(t, err)
}
