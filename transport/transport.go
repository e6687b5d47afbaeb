package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/loci-run/loci/parcel"
)

var ErrClosed = errors.New("connection closed")

// Conn is a single outbound transport session leased to callers by the
// connection cache.
type Conn interface {
	// Send delivers one encoded parcel to the remote locality.
	// Safe for concurrent use.
	Send(payload []byte) error

	Close() error

	IsClosed() bool
}

// Dialer establishes a connection to the locality at the given endpoint.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// Handler consumes parcels received by the transport. It is invoked from the
// connection read loops, so it must not block for long.
type Handler func(p *parcel.Parcel)

type Config struct {
	// BindAddr is the address the listener accepts connections on.
	BindAddr string

	// Handler receives every parcel that arrives on the listener.
	Handler Handler

	// Logger records non-critical transport errors. Silent if not set.
	Logger log.Logger

	// Clock drives the accept-error backoff. Substituted in tests.
	Clock clock.Clock
}

func DefaultConfig() Config {
	return Config{
		BindAddr: "0.0.0.0:3060",
		Logger:   log.NewNopLogger(),
		Clock:    clock.New(),
	}
}

// TCPTransport accepts connections from other localities and decodes
// length-prefixed parcel frames into the handler.
type TCPTransport struct {
	listener net.Listener
	handler  Handler
	logger   log.Logger
	clock    clock.Clock
	wg       sync.WaitGroup
	closed   int32

	mut   sync.Mutex
	conns map[net.Conn]struct{}
}

// Listen starts a TCP listener on the configured bind address. The returned
// transport does not accept connections until Serve is called.
func Listen(conf Config) (*TCPTransport, error) {
	if conf.Handler == nil {
		return nil, errors.New("transport handler is not set")
	}

	if conf.Clock == nil {
		conf.Clock = clock.New()
	}

	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	listener, err := net.Listen("tcp", conf.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", conf.BindAddr, err)
	}

	return &TCPTransport{
		listener: listener,
		handler:  conf.Handler,
		logger:   conf.Logger,
		clock:    conf.Clock,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the address the listener is bound to.
func (t *TCPTransport) Addr() string {
	return t.listener.Addr().String()
}

// Serve runs the accept loop until the transport is closed. Accept errors are
// retried with exponential backoff so a transient failure does not kill the
// listener.
func (t *TCPTransport) Serve() {
	const (
		initialDelay = 30 * time.Millisecond
		maxDelay     = 10 * time.Second
	)

	delay := initialDelay

	for {
		conn, err := t.listener.Accept()

		if err != nil {
			if atomic.LoadInt32(&t.closed) == 1 {
				break
			}

			level.Error(t.logger).Log("msg", "failed to accept connection", "err", err)
			t.clock.Sleep(delay)

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}

			continue
		}

		delay = initialDelay

		t.mut.Lock()
		if atomic.LoadInt32(&t.closed) == 1 {
			t.mut.Unlock()
			_ = conn.Close()

			continue
		}
		t.conns[conn] = struct{}{}
		t.mut.Unlock()

		t.wg.Add(1)

		go func() {
			defer t.wg.Done()
			t.readLoop(conn)
		}()
	}

	t.wg.Wait()
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer func() {
		t.mut.Lock()
		delete(t.conns, conn)
		t.mut.Unlock()

		_ = conn.Close()
	}()

	for {
		body, err := parcel.ReadFrame(conn)
		if err != nil {
			if atomic.LoadInt32(&t.closed) == 0 {
				level.Debug(t.logger).Log("msg", "connection read failed", "from", conn.RemoteAddr(), "err", err)
			}

			return
		}

		p := &parcel.Parcel{}

		if err := parcel.Unmarshal(body, p); err != nil {
			level.Warn(t.logger).Log("msg", "received malformed parcel", "from", conn.RemoteAddr(), "err", err)
			continue
		}

		t.handler(p)
	}
}

// Close stops the listener, tears down all accepted connections and unblocks
// Serve once the read loops have drained.
func (t *TCPTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}

	if err := t.listener.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}

	t.mut.Lock()
	for conn := range t.conns {
		_ = conn.Close()
	}
	t.mut.Unlock()

	return nil
}

type tcpConn struct {
	mut    sync.Mutex
	conn   net.Conn
	closed int32
}

// Dial establishes a framed TCP connection to the given endpoint.
func Dial(ctx context.Context, endpoint string) (Conn, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	return &tcpConn{conn: conn}, nil
}

func (c *tcpConn) Send(payload []byte) error {
	if c.IsClosed() {
		return ErrClosed
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	if err := parcel.WriteFrame(c.conn, payload); err != nil {
		if c.IsClosed() {
			return ErrClosed
		}

		return err
	}

	return nil
}

func (c *tcpConn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	return c.conn.Close()
}

func (c *tcpConn) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}
