package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/loci-run/loci/conncache"
	"github.com/loci-run/loci/locality"
	"github.com/loci-run/loci/parcel"
)

type Config struct {
	// BootstrapAddr is the pre-configured address of the root locality.
	// Parcels for this destination bypass the barrier entirely: it is the
	// only address reachable before the address space exists.
	BootstrapAddr locality.Address

	// Sender delivers parcels to remote localities.
	Sender Sender

	// OnFailure receives parcels whose send failed during the flush. The
	// original Apply caller is gone by then, so this is the only way the
	// failure surfaces. Failures are logged if not set.
	OnFailure func(Pending, error)

	// ApplyTimeout bounds a single dispatch, including the connection
	// acquisition. Zero means the caller's context alone applies.
	ApplyTimeout time.Duration

	// Logger records dispatch and flush events. Silent if not set.
	Logger log.Logger
}

func DefaultConfig() Config {
	return Config{
		ApplyTimeout: 6 * time.Second,
		Logger:       log.NewNopLogger(),
	}
}

// Barrier is the one-shot synchronization gate that holds back inter-locality
// traffic until the global address space is established. Parcels applied
// while the barrier is closed are deferred, except those addressed to the
// bootstrap locality. Notify opens the barrier exactly once, flushes the
// deferred parcels, and releases every waiter.
type Barrier struct {
	mut        sync.Mutex
	open       bool
	openCh     chan struct{}
	queue      pendingQueue
	flushCount int

	bootstrap locality.Address
	sender    Sender
	onFailure func(Pending, error)
	timeout   time.Duration
	logger    log.Logger
}

func NewBarrier(conf Config) *Barrier {
	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	return &Barrier{
		openCh:    make(chan struct{}),
		bootstrap: conf.BootstrapAddr,
		sender:    conf.Sender,
		onFailure: conf.OnFailure,
		timeout:   conf.ApplyTimeout,
		logger:    conf.Logger,
	}
}

// Apply submits a parcel for delivery. Parcels for the bootstrap address are
// always dispatched immediately, even while the barrier is closed: this is
// how registration itself travels. Any other destination is deferred until
// the barrier opens. Apply never blocks on the barrier state; it may block
// briefly acquiring a connection.
func (b *Barrier) Apply(ctx context.Context, p *parcel.Parcel) error {
	if p.Dest.Equal(b.bootstrap) {
		return b.dispatch(ctx, p)
	}

	b.mut.Lock()

	if !b.open {
		seq := b.queue.push(p)
		b.mut.Unlock()

		level.Debug(b.logger).Log("msg", "parcel deferred", "dest", p.Dest, "seq", seq)

		return nil
	}

	b.mut.Unlock()

	return b.dispatch(ctx, p)
}

func (b *Barrier) dispatch(ctx context.Context, p *parcel.Parcel) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)

		defer cancel()
	}

	if err := b.sender.Send(ctx, p); err != nil {
		if errors.Is(err, conncache.ErrExhausted) {
			return err
		}

		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return nil
}

// Wait blocks the caller until the barrier opens. It returns immediately if
// the barrier is already open. The deadline, if any, is imposed by the
// caller's context; its expiry means the locality could not establish
// distributed addressing and is fatal to startup.
func (b *Barrier) Wait(ctx context.Context) error {
	// The gate channel is closed under the same mutex that guards the flip
	// in Notify, once the flush has completed, so a wakeup cannot be missed
	// and a resumed waiter never observes pre-flip parcels still pending.
	select {
	case <-b.openCh:
		return nil
	default:
	}

	select {
	case <-b.openCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBootstrapTimeout, ctx.Err())
	}
}

// Opened returns a channel that is closed once the barrier has opened and the
// deferred parcels have been flushed.
func (b *Barrier) Opened() <-chan struct{} {
	return b.openCh
}

// IsOpen returns true once Notify has been called.
func (b *Barrier) IsOpen() bool {
	b.mut.Lock()
	defer b.mut.Unlock()

	return b.open
}

// Notify opens the barrier. The first call flips the state, flushes the
// pending queue, and then releases every waiter, so that a thread resuming
// from Wait observes all previously deferred parcels already in flight.
// Subsequent calls are no-ops.
func (b *Barrier) Notify() {
	b.mut.Lock()

	if b.open {
		b.mut.Unlock()
		return
	}

	b.open = true
	b.flushCount++

	level.Info(b.logger).Log("msg", "barrier opened", "pending", b.queue.remaining())

	// Drain the queue in submission order. The mutex is released around each
	// send so the flush does not serialize unrelated Apply traffic behind
	// network I/O, and re-acquired only to advance the cursor.
	for {
		pend, ok := b.queue.next()
		if !ok {
			break
		}

		b.mut.Unlock()

		if err := b.dispatch(context.Background(), pend.Parcel); err != nil {
			b.reportFailure(pend, err)
		}

		b.mut.Lock()
	}

	close(b.openCh)
	b.mut.Unlock()
}

func (b *Barrier) reportFailure(pend Pending, err error) {
	level.Warn(b.logger).Log("msg", "failed to deliver deferred parcel", "dest", pend.Parcel.Dest, "seq", pend.Seq, "err", err)

	if b.onFailure != nil {
		b.onFailure(pend, err)
	}
}

// Pending returns the number of parcels currently deferred.
func (b *Barrier) Pending() int {
	b.mut.Lock()
	defer b.mut.Unlock()

	return b.queue.remaining()
}

// FlushCount returns the number of flush executions. It is always zero or
// one; anything else indicates a broken one-shot invariant.
func (b *Barrier) FlushCount() int {
	b.mut.Lock()
	defer b.mut.Unlock()

	return b.flushCount
}
