package conncache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loci-run/loci/internal/generic"
	"github.com/loci-run/loci/transport"
)

var (
	// ErrExhausted is returned when the cache is at capacity, every cached
	// connection is leased, and no lease was released within the acquire
	// timeout.
	ErrExhausted = errors.New("connection cache exhausted")

	// ErrCacheClosed is returned by Acquire after the cache has been closed.
	ErrCacheClosed = errors.New("connection cache closed")
)

type Config struct {
	// Capacity is the maximum number of connections kept by the cache,
	// leased and idle combined.
	Capacity int

	// Dialer establishes new connections on cache misses.
	Dialer transport.Dialer

	// DialTimeout bounds a single dial attempt.
	DialTimeout time.Duration

	// AcquireTimeout bounds the wait for a lease when the cache is at
	// capacity and no connection can be evicted.
	AcquireTimeout time.Duration

	// Logger records dial and eviction events. Silent if not set.
	Logger log.Logger
}

func DefaultConfig() Config {
	return Config{
		Capacity:       64,
		Dialer:         transport.Dial,
		DialTimeout:    6 * time.Second,
		AcquireTimeout: 2 * time.Second,
		Logger:         log.NewNopLogger(),
	}
}

// Handle is a leased connection. It must be returned to the cache with
// Release once the send completes or fails.
type Handle struct {
	Endpoint string

	conn     transport.Conn
	entry    *entry
	released int32
}

// Send delivers one encoded parcel over the leased connection.
func (h *Handle) Send(payload []byte) error {
	return h.conn.Send(payload)
}

type entry struct {
	conn    transport.Conn
	leases  int
	evicted bool
}

// Cache is a bounded pool of reusable transport connections keyed by
// destination endpoint. Connections are dialed lazily, shared between
// concurrent leases, and closed when evicted once the last lease is returned.
type Cache struct {
	mut       sync.Mutex
	conns     *lru.Cache[string, *entry]
	waiting   *generic.SyncMap[string, chan struct{}]
	relCh     chan struct{}
	closed    bool
	capacity  int
	dialer    transport.Dialer
	logger    log.Logger
	dialTO    time.Duration
	acquireTO time.Duration
}

func New(conf Config) (*Cache, error) {
	if conf.Capacity <= 0 {
		return nil, errors.New("capacity must be positive")
	}

	if conf.Dialer == nil {
		conf.Dialer = transport.Dial
	}

	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	c := &Cache{
		waiting:   new(generic.SyncMap[string, chan struct{}]),
		relCh:     make(chan struct{}),
		capacity:  conf.Capacity,
		dialer:    conf.Dialer,
		logger:    conf.Logger,
		dialTO:    conf.DialTimeout,
		acquireTO: conf.AcquireTimeout,
	}

	conns, err := lru.NewWithEvict[string, *entry](conf.Capacity, c.onEvict)
	if err != nil {
		return nil, err
	}

	c.conns = conns

	return c, nil
}

// onEvict is called by the lru under c.mut. Leased connections stay alive
// until the last lease is released.
func (c *Cache) onEvict(endpoint string, e *entry) {
	// Close already took care of every connection.
	if c.closed {
		return
	}

	e.evicted = true

	if e.leases == 0 {
		if err := e.conn.Close(); err != nil {
			level.Warn(c.logger).Log("msg", "failed to close evicted connection", "endpoint", endpoint, "err", err)
		}
	}
}

// load returns a leased handle for a cached live connection, if one exists.
func (c *Cache) load(endpoint string) (*Handle, bool, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.closed {
		return nil, false, ErrCacheClosed
	}

	e, ok := c.conns.Get(endpoint)
	if !ok {
		return nil, false, nil
	}

	// The connection may have been closed remotely. Drop it from the cache
	// so the caller dials a fresh one.
	if e.conn.IsClosed() {
		c.conns.Remove(endpoint)
		return nil, false, nil
	}

	e.leases++

	return &Handle{Endpoint: endpoint, conn: e.conn, entry: e}, true, nil
}

// Acquire returns a leased connection to the given endpoint, dialing one if
// necessary. Concurrent acquires for the same endpoint share a single dial.
// The call may block briefly while a slot frees up, bounded by the acquire
// timeout.
func (c *Cache) Acquire(ctx context.Context, endpoint string) (*Handle, error) {
	if h, ok, err := c.load(endpoint); err != nil || ok {
		return h, err
	}

	return c.dial(ctx, endpoint)
}

func (c *Cache) dial(ctx context.Context, endpoint string) (*Handle, error) {
	var (
		retry  bool
		loaded bool
		done   chan struct{}
	)

	for {
		d := make(chan struct{})

		// Check if there is already a goroutine dialing the endpoint.
		// If so, wait for it to finish or for the context to expire.
		done, loaded = c.waiting.LoadOrStore(endpoint, d)
		if !loaded {
			break
		}

		close(d)

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// Try to lease the connection created in the other goroutine.
		if h, ok, err := c.load(endpoint); err != nil || ok {
			return h, err
		}

		// The other goroutine has failed to connect. Make one more attempt.
		if !retry {
			retry = true
			continue
		}

		return nil, fmt.Errorf("failed to connect in another goroutine")
	}

	// We are the one dialing the endpoint.
	defer c.waiting.Delete(endpoint)
	defer close(done)

	// A previous dialer may have finished between our cache lookup and now.
	if h, ok, err := c.load(endpoint); err != nil || ok {
		return h, err
	}

	dialCtx := ctx

	if c.dialTO > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTO)
		defer cancel()
	}

	conn, err := c.dialer(dialCtx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	h, err := c.insert(ctx, endpoint, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return h, nil
}

// insert places a freshly dialed connection into the cache, waiting for a
// free slot when the capacity is saturated by leased connections.
func (c *Cache) insert(ctx context.Context, endpoint string, conn transport.Conn) (*Handle, error) {
	var timeout <-chan time.Time

	if c.acquireTO > 0 {
		timer := time.NewTimer(c.acquireTO)
		defer timer.Stop()

		timeout = timer.C
	}

	for {
		c.mut.Lock()

		if c.closed {
			c.mut.Unlock()
			return nil, ErrCacheClosed
		}

		// Another goroutine may have inserted a connection for the same
		// endpoint in the meantime. Prefer the cached one.
		if e, ok := c.conns.Get(endpoint); ok && !e.conn.IsClosed() {
			e.leases++
			c.mut.Unlock()

			_ = conn.Close()

			return &Handle{Endpoint: endpoint, conn: e.conn, entry: e}, nil
		}

		if c.freeSlot() {
			e := &entry{conn: conn, leases: 1}
			c.conns.Add(endpoint, e)
			c.mut.Unlock()

			return &Handle{Endpoint: endpoint, conn: conn, entry: e}, nil
		}

		relCh := c.relCh
		c.mut.Unlock()

		select {
		case <-relCh:
		case <-timeout:
			return nil, fmt.Errorf("%w: no connection released within %s", ErrExhausted, c.acquireTO)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// freeSlot reports whether a new entry can be added without evicting a leased
// connection. Idle entries are evicted eagerly to make room. Must be called
// under c.mut.
func (c *Cache) freeSlot() bool {
	if c.conns.Len() < c.capacity {
		return true
	}

	for _, key := range c.conns.Keys() {
		if e, ok := c.conns.Peek(key); ok && e.leases == 0 {
			c.conns.Remove(key)
			return true
		}
	}

	return false
}

// Release returns a leased connection to the cache. Releasing a handle more
// than once is a no-op.
func (c *Cache) Release(h *Handle) {
	if h == nil || !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return
	}

	c.mut.Lock()

	h.entry.leases--

	if h.entry.evicted && h.entry.leases == 0 {
		if err := h.entry.conn.Close(); err != nil {
			level.Warn(c.logger).Log("msg", "failed to close evicted connection", "endpoint", h.Endpoint, "err", err)
		}
	}

	// Wake up everyone waiting for a free slot.
	close(c.relCh)
	c.relCh = make(chan struct{})

	c.mut.Unlock()
}

// Close closes every cached connection. Acquire calls made after Close fail
// with ErrCacheClosed.
func (c *Cache) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	var errs *multierror.Error

	for _, key := range c.conns.Keys() {
		if e, ok := c.conns.Peek(key); ok {
			if err := e.conn.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("close %s: %w", key, err))
			}
		}
	}

	c.conns.Purge()

	return errs.ErrorOrNil()
}

// Len returns the number of cached connections.
func (c *Cache) Len() int {
	c.mut.Lock()
	defer c.mut.Unlock()

	return c.conns.Len()
}
