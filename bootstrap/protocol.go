package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/loci-run/loci/internal/generic"
	"github.com/loci-run/loci/locality"
	"github.com/loci-run/loci/parcel"
)

type ProtocolConfig struct {
	// Role selects the root or joining side of the handshake.
	Role locality.Role

	// Self is the address of the local locality, advertised to peers.
	Self locality.Address

	// Barrier is the boot barrier the protocol drives.
	Barrier *Barrier

	// SpinInterval is how often Spin re-sends the registration while the
	// root remains unreachable. The barrier itself never retries; this is
	// the external retry policy around it.
	SpinInterval time.Duration

	// Clock drives the spin ticker. Substituted in tests.
	Clock clock.Clock

	// Logger records protocol events. Silent if not set.
	Logger log.Logger
}

func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		SpinInterval: time.Second,
		Clock:        clock.New(),
		Logger:       log.NewNopLogger(),
	}
}

// Protocol implements the two asymmetric roles of the bootstrap handshake on
// top of the barrier primitives. The root accumulates registrations and opens
// once the quorum is met; a joining locality registers with the root and
// waits for the acknowledgment that opens its own barrier.
type Protocol struct {
	role    locality.Role
	self    locality.Address
	barrier *Barrier
	clock   clock.Clock
	spin    time.Duration
	logger  log.Logger

	// bootEpoch identifies this bootstrap episode in outgoing acks.
	bootEpoch string

	mut        sync.Mutex
	registered map[locality.ID]locality.Address
}

func NewProtocol(conf ProtocolConfig) *Protocol {
	if conf.Clock == nil {
		conf.Clock = clock.New()
	}

	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	return &Protocol{
		role:       conf.Role,
		self:       conf.Self,
		barrier:    conf.Barrier,
		clock:      conf.Clock,
		spin:       conf.SpinInterval,
		logger:     conf.Logger,
		bootEpoch:  uuid.NewString(),
		registered: make(map[locality.ID]locality.Address),
	}
}

// HandleParcel dispatches an incoming parcel. It implements the transport
// handler, so it is invoked from the transport read loops.
func (p *Protocol) HandleParcel(pcl *parcel.Parcel) {
	switch pcl.Kind {
	case parcel.KindRegister:
		p.handleRegister(pcl)
	case parcel.KindAck:
		p.handleAck(pcl)
	default:
		level.Debug(p.logger).Log("msg", "ignoring parcel", "kind", pcl.Kind, "from", pcl.Source)
	}
}

func (p *Protocol) handleRegister(pcl *parcel.Parcel) {
	if !p.role.IsRoot() {
		level.Warn(p.logger).Log("msg", "registration received by non-root locality", "from", pcl.Source)
		return
	}

	reg, err := parcel.DecodeRegistration(pcl.Payload)
	if err != nil {
		level.Warn(p.logger).Log("msg", "rejected registration", "err", fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		return
	}

	if err := reg.Address.Validate(); err != nil {
		level.Warn(p.logger).Log("msg", "rejected registration", "err", fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		return
	}

	p.mut.Lock()

	if _, ok := p.registered[reg.Address.ID]; ok {
		p.mut.Unlock()

		// A re-registration does not advance the count. If the barrier is
		// already open, the previous ack may have been lost; answer again
		// through the immediate path.
		if p.barrier.IsOpen() {
			p.acknowledge(reg.Address)
		}

		return
	}

	p.registered[reg.Address.ID] = reg.Address
	count := len(p.registered)

	p.mut.Unlock()

	level.Info(p.logger).Log("msg", "locality registered", "addr", reg.Address, "count", count, "quorum", p.role.Quorum())

	// A late joiner after the barrier opened is acknowledged directly; the
	// one-shot queue is never touched again and the barrier does not reclose.
	if p.barrier.IsOpen() {
		p.acknowledge(reg.Address)
		return
	}

	if count >= p.role.Quorum() {
		p.openAndAcknowledge()
	}
}

// openAndAcknowledge opens the root's own barrier and replies to every
// registered joiner. The joiners' addresses only become reachable once the
// local barrier is open, which is why the flip must happen first.
func (p *Protocol) openAndAcknowledge() {
	p.barrier.Notify()

	var errs *multierror.Error

	for _, addr := range p.joiners() {
		if err := p.acknowledge(addr); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("ack %s: %w", addr, err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		level.Warn(p.logger).Log("msg", "some acknowledgments failed", "err", err)
	}
}

// joiners returns the registered addresses ordered by locality ID, so the
// acknowledgment fan-out is deterministic.
func (p *Protocol) joiners() []locality.Address {
	p.mut.Lock()
	defer p.mut.Unlock()

	ids := generic.MapKeys(p.registered)
	generic.SortSlice(ids, false)

	addrs := make([]locality.Address, 0, len(ids))
	for _, id := range ids {
		addrs = append(addrs, p.registered[id])
	}

	return addrs
}

func (p *Protocol) acknowledge(addr locality.Address) error {
	payload, err := parcel.EncodeAck(&parcel.Ack{
		Address:   p.self,
		BootEpoch: p.bootEpoch,
	})
	if err != nil {
		return err
	}

	return p.barrier.Apply(context.Background(), &parcel.Parcel{
		Kind:    parcel.KindAck,
		Source:  p.self,
		Dest:    addr,
		Payload: payload,
	})
}

func (p *Protocol) handleAck(pcl *parcel.Parcel) {
	if p.role.IsRoot() {
		level.Warn(p.logger).Log("msg", "acknowledgment received by root locality", "from", pcl.Source)
		return
	}

	ack, err := parcel.DecodeAck(pcl.Payload)
	if err != nil {
		level.Warn(p.logger).Log("msg", "rejected acknowledgment", "err", fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		return
	}

	if err := ack.Address.Validate(); err != nil {
		level.Warn(p.logger).Log("msg", "rejected acknowledgment", "err", fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		return
	}

	level.Info(p.logger).Log("msg", "registration acknowledged", "root", ack.Address, "epoch", ack.BootEpoch)

	p.barrier.Notify()
}

// Register sends the local registration to the bootstrap address. The parcel
// always travels through the immediate path, as the bootstrap address is
// reachable by construction.
func (p *Protocol) Register(ctx context.Context) error {
	payload, err := parcel.EncodeRegistration(&parcel.Registration{
		Address: p.self,
	})
	if err != nil {
		return err
	}

	return p.barrier.Apply(ctx, &parcel.Parcel{
		Kind:    parcel.KindRegister,
		Source:  p.self,
		Dest:    p.role.Bootstrap(),
		Payload: payload,
	})
}

// Spin keeps re-sending the registration until the barrier opens or the
// context expires. It is the retry policy around the barrier for the period
// when the root may not be reachable yet.
func (p *Protocol) Spin(ctx context.Context) error {
	ticker := p.clock.Ticker(p.spin)
	defer ticker.Stop()

	for {
		if err := p.Register(ctx); err != nil {
			level.Warn(p.logger).Log("msg", "registration attempt failed", "err", err)
		}

		select {
		case <-p.barrier.Opened():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrBootstrapTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Run drives the local side of the handshake to completion: the root blocks
// until its quorum is met, a joining locality registers and blocks until
// acknowledged. The context deadline is the bootstrap deadline.
func (p *Protocol) Run(ctx context.Context) error {
	if p.role.IsRoot() {
		// With nothing to wait for, the root opens for itself alone.
		if p.role.Quorum() == 0 {
			p.barrier.Notify()
		}

		return p.barrier.Wait(ctx)
	}

	if p.spin > 0 {
		return p.Spin(ctx)
	}

	if err := p.Register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	return p.barrier.Wait(ctx)
}

// Registered returns the number of localities registered with the root.
func (p *Protocol) Registered() int {
	p.mut.Lock()
	defer p.mut.Unlock()

	return len(p.registered)
}
