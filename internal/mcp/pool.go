// Package mcp gives agents access to the tools served by the configured tool
// server, through a pool of connections shared across requests.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dotcommander/agentrun/internal/metrics"
	"github.com/dotcommander/agentrun/internal/stream"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("tool pool closed")

// ErrConnBroken marks a call that failed in the transport rather than in the
// tool. Conn implementations wrap such failures with it; the pool then stops
// handing out the connection and closes it once the last lease is released.
var ErrConnBroken = errors.New("tool connection broken")

// Conn is a live connection to the tool server, scoped to a workspace and a
// set of tools.
type Conn interface {
	Tools() []stream.Tool
	CallTool(ctx context.Context, name string, args []byte) (string, error)
	Close() error
}

// Dialer opens connections for the pool.
type Dialer interface {
	Dial(ctx context.Context, workspaceID string, tools []string) (Conn, error)
}

// Key identifies a pooled connection.
type Key struct {
	WorkspaceID string
	Tools       string
}

// NewKey builds the key of a workspace and tool set. Tool order and
// duplicates do not matter.
func NewKey(workspaceID string, tools []string) Key {
	names := slices.Clone(tools)
	slices.Sort(names)
	names = slices.Compact(names)
	return Key{WorkspaceID: workspaceID, Tools: strings.Join(names, ",")}
}

// Names returns the tool names of the key.
func (k Key) Names() []string {
	if k.Tools == "" {
		return nil
	}
	return strings.Split(k.Tools, ",")
}

func (k Key) String() string {
	return k.WorkspaceID + "|" + k.Tools
}

type entry struct {
	conn     Conn
	refs     int
	lastUsed time.Time
	broken   bool
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// IdleTimeout is how long an unused connection stays open. Zero keeps
	// connections until Close.
	IdleTimeout time.Duration
	// DialTimeout bounds a connection attempt. Defaults to 30s.
	DialTimeout time.Duration
	Logger      *log.Logger
	Metrics     *metrics.Metrics
}

// Pool shares tool connections per Key. Concurrent acquisitions of the
// same key share one dial.
type Pool struct {
	dialer  Dialer
	cfg     PoolConfig
	logger  *log.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool
	group   singleflight.Group

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

// NewPool returns a pool dialing through dialer. When an idle timeout is set
// a janitor goroutine runs until Close.
func NewPool(dialer Dialer, cfg PoolConfig) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	p := &Pool{
		dialer:  dialer,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		entries: map[Key]*entry{},
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		go p.janitor(cfg.IdleTimeout)
	} else {
		close(p.done)
	}
	return p
}

// Acquire returns a lease on the connection for the workspace and tools,
// dialing one if none is open. The caller tags log lines.
func (p *Pool) Acquire(ctx context.Context, workspaceID string, tools []string, caller string) (*Lease, error) {
	key := NewKey(workspaceID, tools)
	dialed := false
	for {
		e, err := p.take(key)
		if err != nil {
			return nil, err
		}
		if e != nil {
			if !dialed {
				p.metrics.ToolConnection(ctx, "reused")
			}
			return &Lease{pool: p, key: key, entry: e}, nil
		}

		ch := p.group.DoChan(key.String(), func() (any, error) {
			return p.dial(ctx, key, caller)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
		// the dialed entry is in the map unless it was evicted or the pool
		// closed in between.
		dialed = true
	}
}

// take refs an open entry. It returns nil, nil when the key has none.
func (p *Pool) take(key Key) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	e, ok := p.entries[key]
	if !ok {
		return nil, nil
	}
	e.refs++
	e.lastUsed = p.now()
	return e, nil
}

func (p *Pool) dial(ctx context.Context, key Key, caller string) (*entry, error) {
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DialTimeout)
	defer cancel()
	start := p.now()
	conn, err := p.dialer.Dial(dctx, key.WorkspaceID, key.Names())
	if err != nil {
		p.metrics.ToolConnection(ctx, "failed")
		return nil, fmt.Errorf("dial tool server for %s: %w", caller, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrPoolClosed
	}
	e := &entry{conn: conn, lastUsed: p.now()}
	p.entries[key] = e
	p.mu.Unlock()

	p.metrics.ToolConnection(ctx, "created")
	p.metrics.ToolConnectionsOpen(ctx, 1)
	p.logger.Debug("tool connection opened",
		"workspace", key.WorkspaceID, "tools", key.Tools, "caller", caller,
		"tool_count", len(conn.Tools()), "took", p.now().Sub(start))
	return e, nil
}

func (p *Pool) release(key Key, e *entry) {
	p.mu.Lock()
	if e.refs > 0 {
		e.refs--
	}
	e.lastUsed = p.now()
	dispose := e.broken && e.refs == 0
	p.mu.Unlock()

	if dispose {
		p.dispose(key, e)
	}
}

// discard removes a broken entry from the pool so the next acquisition of
// its key dials again. The connection is closed when no lease holds it.
func (p *Pool) discard(key Key, e *entry) {
	p.mu.Lock()
	if e.broken {
		p.mu.Unlock()
		return
	}
	e.broken = true
	if p.entries[key] == e {
		delete(p.entries, key)
	}
	dispose := e.refs == 0
	p.mu.Unlock()

	p.metrics.ToolConnection(context.Background(), "broken")
	p.logger.Warn("tool connection broken", "workspace", key.WorkspaceID, "tools", key.Tools)
	if dispose {
		p.dispose(key, e)
	}
}

func (p *Pool) dispose(key Key, e *entry) {
	if err := e.conn.Close(); err != nil {
		p.logger.Warn("could not close broken tool connection", "workspace", key.WorkspaceID, "err", err)
	}
	p.metrics.ToolConnectionsOpen(context.Background(), -1)
}

// Len returns the number of open connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) janitor(idle time.Duration) {
	defer close(p.done)
	interval := idle / 2
	if interval < time.Second {
		interval = idle
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.EvictIdle(idle)
		}
	}
}

// EvictIdle closes unreferenced connections unused for at least idle.
func (p *Pool) EvictIdle(idle time.Duration) int {
	now := p.now()
	var evicted []Conn
	var keys []Key
	p.mu.Lock()
	for key, e := range p.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) >= idle {
			evicted = append(evicted, e.conn)
			keys = append(keys, key)
			delete(p.entries, key)
		}
	}
	p.mu.Unlock()

	for i, conn := range evicted {
		if err := conn.Close(); err != nil {
			p.logger.Warn("could not close idle tool connection", "workspace", keys[i].WorkspaceID, "err", err)
		}
		p.logger.Debug("tool connection evicted", "workspace", keys[i].WorkspaceID, "tools", keys[i].Tools)
	}
	if len(evicted) > 0 {
		p.metrics.ToolConnectionsOpen(context.Background(), -int64(len(evicted)))
	}
	return len(evicted)
}

// Close disposes every connection and rejects further acquisitions. Leases
// still held become unusable.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = map[Key]*entry{}
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	var g errgroup.Group
	for _, e := range entries {
		g.Go(e.conn.Close)
	}
	err := g.Wait()
	if len(entries) > 0 {
		p.metrics.ToolConnectionsOpen(context.Background(), -int64(len(entries)))
	}
	if err != nil {
		return fmt.Errorf("close tool pool: %w", err)
	}
	return nil
}

// Lease is a reference to a pooled connection. A nil *Lease has no tools.
type Lease struct {
	pool  *Pool
	key   Key
	entry *entry
	once  sync.Once
}

// Tools returns the tools the connection exposes.
func (l *Lease) Tools() []stream.Tool {
	if l == nil {
		return nil
	}
	return l.entry.conn.Tools()
}

// CallTool runs a tool on the leased connection.
func (l *Lease) CallTool(ctx context.Context, name string, args []byte) (string, error) {
	if l == nil {
		return "", fmt.Errorf("tool %q is not available", name)
	}
	out, err := l.entry.conn.CallTool(ctx, name, args)
	if errors.Is(err, ErrConnBroken) {
		l.pool.discard(l.key, l.entry)
	}
	return out, err
}

// Caller returns CallTool as a stream.ToolCaller, or nil for a nil lease.
func (l *Lease) Caller() stream.ToolCaller {
	if l == nil {
		return nil
	}
	return l.CallTool
}

// Release returns the connection to the pool. It is safe to call more than
// once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.pool.release(l.key, l.entry) })
}
