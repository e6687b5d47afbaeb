package main

import (
	"context"
	"fmt"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/loci-run/loci/bootstrap"
	"github.com/loci-run/loci/conncache"
	"github.com/loci-run/loci/locality"
	"github.com/loci-run/loci/parcel"
	"github.com/loci-run/loci/transport"
)

type shutdownFunc func(ctx context.Context) error

var noopShutdown = func(ctx context.Context) error { return nil }

func setupLogger() (kitlog.Logger, shutdownFunc) {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))

	if !opts.Verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	return logger, noopShutdown
}

func setupRole() (locality.Role, error) {
	if opts.Bootstrap.Role == "root" {
		return locality.Root(opts.Bootstrap.Quorum), nil
	}

	if opts.Bootstrap.RootAddr == "" {
		return locality.Role{}, fmt.Errorf("joining role requires the root address")
	}

	return locality.Joining(locality.BootstrapAddress(opts.Bootstrap.RootAddr)), nil
}

func setupTransport(handler transport.Handler, logger kitlog.Logger) (*transport.TCPTransport, shutdownFunc, error) {
	conf := transport.DefaultConfig()
	conf.BindAddr = opts.Node.BindAddr
	conf.Handler = handler
	conf.Logger = logger

	tr, err := transport.Listen(conf)
	if err != nil {
		return nil, nil, fmt.Errorf("start transport: %w", err)
	}

	shutdown := func(ctx context.Context) error {
		logger.Log("msg", "shutting down transport")
		return tr.Close()
	}

	return tr, shutdown, nil
}

func setupConnCache(logger kitlog.Logger) (*conncache.Cache, shutdownFunc, error) {
	conf := conncache.DefaultConfig()
	conf.Capacity = opts.Connections.Capacity
	conf.DialTimeout = time.Millisecond * time.Duration(opts.Connections.DialTimeout)
	conf.AcquireTimeout = time.Millisecond * time.Duration(opts.Connections.AcquireTimeout)
	conf.Logger = logger

	cache, err := conncache.New(conf)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection cache: %w", err)
	}

	shutdown := func(ctx context.Context) error {
		logger.Log("msg", "closing connections")
		return cache.Close()
	}

	return cache, shutdown, nil
}

func setupBootstrap(
	self locality.Address,
	role locality.Role,
	cache *conncache.Cache,
	logger kitlog.Logger,
) *bootstrap.Protocol {
	bootstrapAddr := role.Bootstrap()
	if role.IsRoot() {
		bootstrapAddr = locality.BootstrapAddress(self.Endpoint)
	}

	barrierConf := bootstrap.DefaultConfig()
	barrierConf.BootstrapAddr = bootstrapAddr
	barrierConf.Sender = bootstrap.NewCacheSender(cache)
	barrierConf.Logger = logger
	barrierConf.OnFailure = func(pend bootstrap.Pending, err error) {
		level.Error(logger).Log("msg", "dropped deferred parcel", "dest", pend.Parcel.Dest, "seq", pend.Seq, "err", err)
	}

	conf := bootstrap.DefaultProtocolConfig()
	conf.Role = role
	conf.Self = self
	conf.Barrier = bootstrap.NewBarrier(barrierConf)
	conf.SpinInterval = time.Millisecond * time.Duration(opts.Bootstrap.SpinInterval)
	conf.Logger = logger

	return bootstrap.NewProtocol(conf)
}

// parcelDispatcher lets the transport be constructed before the protocol that
// consumes its parcels.
type parcelDispatcher struct {
	proto *bootstrap.Protocol
}

func (d *parcelDispatcher) handle(p *parcel.Parcel) {
	d.proto.HandleParcel(p)
}
