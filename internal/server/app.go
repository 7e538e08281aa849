// Package server wires the GophMSN server together: it opens the user
// store, builds the contact database, and runs the notification and
// switchboard listeners, the optional Signal bridge and the optional admin
// gRPC endpoint until a termination signal arrives.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/gophmsn/internal/logging"
	"github.com/dmitrijs2005/gophmsn/internal/server/auth"
	"github.com/dmitrijs2005/gophmsn/internal/server/bridge"
	"github.com/dmitrijs2005/gophmsn/internal/server/config"
	"github.com/dmitrijs2005/gophmsn/internal/server/conn"
	"github.com/dmitrijs2005/gophmsn/internal/server/contactdb"
	"github.com/dmitrijs2005/gophmsn/internal/server/listener"
	"github.com/dmitrijs2005/gophmsn/internal/server/notification"
	"github.com/dmitrijs2005/gophmsn/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophmsn/internal/server/switchboard"

	gs "github.com/dmitrijs2005/gophmsn/internal/server/grpc"
)

var (
	openStore = repomanager.Open

	// newBridge is a seam so tests can substitute an in-process bridge.
	newBridge = func(c *config.Config, l logging.Logger) (bridge.Bridge, error) {
		return bridge.NewSignal(bridge.SignalOptions{Endpoint: c.BridgeEndpoint, Account: c.BridgeAccount}, l)
	}
)

type App struct {
	config *config.Config
	logger logging.Logger

	store  *repomanager.Store
	db     *contactdb.Store
	bridge bridge.Bridge

	notification *listener.Listener
	switchboard  *listener.Listener
	admin        *gs.AdminServer
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	return newApp(ctx, c, logging.NewJSONLogger(os.Stdout, c.Debug))
}

func newApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	st, err := openStore(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("store init error: %w", err)
	}

	db, err := contactdb.NewStore(ctx, st, logger.With("module", "contactdb"), c.ProvisionDomains)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("contact db init error: %w", err)
	}
	db.SetSwitchboardAddr(c.SwitchboardEndpoint())

	app := &App{config: c, logger: logger, store: st, db: db}

	if c.BridgeEndpoint != "" {
		br, err := newBridge(c, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("bridge init error: %w", err)
		}
		app.bridge = br
	}

	tickets := auth.NewTickets(c.SwitchboardSecret, c.TicketValidity)
	opts := conn.Options{SendTimeout: c.SendTimeout}

	syn := notification.New(db, tickets, c.BridgeDomain)
	app.notification = listener.New(gs.ServiceNotification, c.NotificationAddr, c.Backlog, opts, logger,
		auth.NewLogin(db, c.ProtocolVersions, syn))
	app.switchboard = listener.New(gs.ServiceSwitchboard, c.SwitchboardAddr, c.Backlog, opts, logger,
		switchboard.New(db, tickets, app.bridge, c.BridgeDomain))

	if c.AdminAddr != "" {
		app.admin = gs.NewAdminServer(c.AdminAddr, logger)
	}
	return app, nil
}

func (app *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case s := <-sigs:
			app.logger.Info(ctx, "signal received", "signal", s.String())
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}

// whenReady runs fn once l is bound, unless ctx ends first.
func whenReady(ctx context.Context, l *listener.Listener, fn func()) error {
	select {
	case <-l.Ready():
		fn()
	case <-ctx.Done():
	}
	return nil
}

// advertiseSwitchboard publishes the bound switchboard address, which
// differs from the configured one when port 0 was requested.
func (app *App) advertiseSwitchboard() {
	c := *app.config
	c.SwitchboardAddr = app.switchboard.Addr().String()
	app.db.SetSwitchboardAddr(c.SwitchboardEndpoint())
}

func (app *App) markServing(name string) func() {
	return func() {
		if app.admin != nil {
			app.admin.SetServing(name, true)
		}
	}
}

// Run serves until ctx is cancelled, a termination signal arrives or one of
// the servers fails. The store and bridge are released before it returns.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(ctx, cancelFunc)

	defer func() {
		if err := app.store.Close(); err != nil {
			app.logger.Error(ctx, "closing store", "error", err)
		}
	}()

	if app.bridge != nil {
		if err := app.bridge.Connect(ctx); err != nil {
			app.logger.Warn(ctx, "bridge unavailable, redialling in background", "error", err)
		}
		defer func() { _ = app.bridge.Close() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.notification.Run(gctx) })
	g.Go(func() error { return app.switchboard.Run(gctx) })
	if app.admin != nil {
		g.Go(func() error { return app.admin.Run(gctx) })
	}

	g.Go(func() error {
		return whenReady(gctx, app.notification, app.markServing(gs.ServiceNotification))
	})
	g.Go(func() error {
		return whenReady(gctx, app.switchboard, func() {
			app.advertiseSwitchboard()
			app.markServing(gs.ServiceSwitchboard)()
		})
	})

	err := g.Wait()
	if err != nil {
		app.logger.Error(ctx, "server stopped", "error", err)
		return err
	}
	app.logger.Info(ctx, "Stopped app")
	return nil
}
