package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"

	"github.com/loci-run/loci/bootstrap"
	"github.com/loci-run/loci/locality"
)

func main() {
	p := flags.NewParser(&opts, flags.Default)

	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			fmt.Println("cli error:", err)
		}

		os.Exit(2)
	}

	logger, closeLogger := setupLogger()

	self := locality.NewAddress(opts.Node.PublicAddr, opts.Node.Generation)

	role, err := setupRole()
	if err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(2)
	}

	cache, closeCache, err := setupConnCache(logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to start", "err", err)
		os.Exit(1)
	}

	proto := setupBootstrap(self, role, cache, logger)

	dispatcher := &parcelDispatcher{proto: proto}

	tr, closeTransport, err := setupTransport(dispatcher.handle, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to start", "err", err)
		os.Exit(1)
	}

	go tr.Serve()

	level.Info(logger).Log(
		"msg", "locality started",
		"addr", self,
		"role", role,
		"bind", tr.Addr(),
	)

	// The bootstrap deadline is the only giving-up policy: the barrier itself
	// never times out on its own.
	deadline := time.Millisecond * time.Duration(opts.Bootstrap.Deadline)

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	if err := proto.Run(ctx); err != nil {
		cancel()

		if errors.Is(err, bootstrap.ErrBootstrapTimeout) {
			level.Error(logger).Log("msg", "could not establish distributed addressing", "err", err)
		} else {
			level.Error(logger).Log("msg", "bootstrap failed", "err", err)
		}

		os.Exit(1)
	}

	cancel()

	level.Info(logger).Log("msg", "distributed address space established", "registered", proto.Registered())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-interrupt
	level.Info(logger).Log("msg", "received interrupt signal, shutting down")

	// Components are shut down in a particular order.
	shutdownOrder := []shutdownFunc{
		closeTransport,
		closeCache,
		closeLogger,
	}

	var errs *multierror.Error

	for _, f := range shutdownOrder {
		if err := f(context.Background()); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		level.Error(logger).Log("msg", "failed to shutdown cleanly", "err", err)
		os.Exit(1)
	}
}
