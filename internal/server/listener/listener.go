// Package listener accepts TCP clients for one protocol stage and runs each
// of them as a conn.Conn on its own goroutine.
package listener

import (
	"context"
	"errors"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/dmitrijs2005/gophmsn/internal/logging"
	"github.com/dmitrijs2005/gophmsn/internal/server/conn"
)

// Listener serves one stage (notification or switchboard) on one address.
type Listener struct {
	name     string
	address  string
	maxConns int
	opts     conn.Options
	stages   []conn.Stage
	logger   logging.Logger

	ready chan struct{}
	addr  net.Addr
}

// New prepares a listener. maxConns bounds the number of clients served at
// once; further clients wait in the kernel backlog. Zero means no bound.
func New(name, address string, maxConns int, opts conn.Options, logger logging.Logger, stages ...conn.Stage) *Listener {
	return &Listener{
		name:     name,
		address:  address,
		maxConns: maxConns,
		opts:     opts,
		stages:   stages,
		logger:   logger.With("module", "listener", "stage", name),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the socket is bound.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// Addr is the bound address. Valid after Ready.
func (l *Listener) Addr() net.Addr { return l.addr }

// Run accepts clients until ctx is cancelled, then waits for every
// connection to finish.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return err
	}
	if l.maxConns > 0 {
		ln = netutil.LimitListener(ln, l.maxConns)
	}
	l.addr = ln.Addr()
	close(l.ready)

	l.logger.Info(ctx, "Starting listener", "address", l.addr.String(), "max_conns", l.maxConns)

	go func() {
		<-ctx.Done()
		l.logger.Info(ctx, "Stopping listener...")
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Error(ctx, "accept failed", "error", err)
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			c := conn.New(nc, l.logger, l.opts, l.stages...)
			c.Logger().Debug(ctx, "client connected")
			_ = c.Serve(ctx)
		}()
	}
}
