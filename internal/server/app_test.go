package server

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dmitrijs2005/gophmsn/internal/common"
	"github.com/dmitrijs2005/gophmsn/internal/logging"
	"github.com/dmitrijs2005/gophmsn/internal/server/bridge"
	"github.com/dmitrijs2005/gophmsn/internal/server/config"
	"github.com/dmitrijs2005/gophmsn/internal/server/contactdb"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.LoadDefaults()
	c.NotificationAddr = "127.0.0.1:0"
	c.SwitchboardAddr = "127.0.0.1:0"
	c.StoreLocation = filepath.Join(t.TempDir(), "users.json")
	c.Backlog = 4
	return c
}

type runningApp struct {
	*App
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, c *config.Config, setup func(*App)) *runningApp {
	t.Helper()
	app, err := newApp(context.Background(), c, logging.Nop{})
	require.NoError(t, err)
	if setup != nil {
		setup(app)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &runningApp{App: app, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- app.Run(ctx) }()

	for _, ready := range []<-chan struct{}{app.notification.Ready(), app.switchboard.Ready()} {
		select {
		case <-ready:
		case err := <-r.done:
			t.Fatalf("app stopped early: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("listeners not ready")
		}
	}
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *runningApp) stop(t *testing.T) {
	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Error("app did not stop")
	}
}

type wire struct {
	t  *testing.T
	nc net.Conn
	r  *bufio.Reader
}

func dial(t *testing.T, addr net.Addr) *wire {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return &wire{t: t, nc: nc, r: bufio.NewReader(nc)}
}

func (w *wire) send(s string) {
	w.t.Helper()
	_, err := w.nc.Write([]byte(s))
	require.NoError(w.t, err)
}

func (w *wire) line() string {
	w.t.Helper()
	require.NoError(w.t, w.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	l, err := w.r.ReadString('\n')
	require.NoError(w.t, err)
	return strings.TrimSuffix(l, "\r\n")
}

func TestApp_EndToEnd(t *testing.T) {
	c := testConfig(t)
	c.BridgeEndpoint = "loopback"
	lb := bridge.NewLoopback()

	old := newBridge
	newBridge = func(*config.Config, logging.Logger) (bridge.Bridge, error) { return lb, nil }
	t.Cleanup(func() { newBridge = old })

	app := start(t, c, func(a *App) {
		ok, err := a.db.AddUser(context.Background(), "alice@example.com", "pw", "Alice")
		require.NoError(t, err)
		require.True(t, ok)
	})

	ns := dial(t, app.notification.Addr())
	ns.send("VER 1 MSNP7 MSNP6\r\n")
	assert.Equal(t, "VER 1 MSNP7 MSNP6 MSNP2", ns.line())

	ns.send("USR 2 MD5 I alice@example.com\r\n")
	f := strings.Fields(ns.line())
	require.Len(t, f, 5)
	ns.send("USR 3 MD5 S " + contactdb.PassKey("pw", f[4]) + "\r\n")
	assert.Equal(t, "USR 3 OK alice@example.com Alice", ns.line())

	ns.send("ADD 4 FL 15550100@signal.com Remote\r\n")
	assert.Equal(t, "ADD 4 FL 1 15550100@signal.com Remote", ns.line())

	sbPort := strconv.Itoa(app.switchboard.Addr().(*net.TCPAddr).Port)
	require.Eventually(t, func() bool {
		return app.db.SwitchboardAddr() == "127.0.0.1:"+sbPort
	}, 2*time.Second, 10*time.Millisecond)

	ns.send("XFR 5 SB\r\n")
	x := strings.Fields(ns.line())
	require.Len(t, x, 6)
	assert.Equal(t, []string{"XFR", "5", "SB", "127.0.0.1:" + sbPort, "CKI"}, x[:5])

	sb := dial(t, app.switchboard.Addr())
	sb.send("USR 1 alice@example.com " + x[5] + "\r\n")
	assert.Equal(t, "USR 1 OK alice@example.com Alice", sb.line())
	sb.send("CAL 2 15550100@signal.com\r\n")
	assert.True(t, strings.HasPrefix(sb.line(), "CAL 2 RINGING "))
	assert.Equal(t, "JOI 15550100@signal.com 15550100@signal.com", sb.line())

	payload := "MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\nhello"
	sb.send("MSG 3 N " + strconv.Itoa(len(payload)) + "\r\n" + payload)
	assert.Equal(t, "ACK 3", sb.line())
	assert.Equal(t, []bridge.Sent{{Target: "15550100", Message: "hello"}}, lb.Sent())

	ns.send("OUT\r\n")
	assert.Equal(t, "OUT", ns.line())
}

func TestApp_AdminHealth(t *testing.T) {
	c := testConfig(t)
	c.AdminAddr = "127.0.0.1:0"
	app := start(t, c, nil)

	select {
	case <-app.admin.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("admin server not ready")
	}

	cc, err := grpc.NewClient(app.admin.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()
	hc := healthpb.NewHealthClient(cc)

	for _, svc := range []string{"notification", "switchboard"} {
		require.Eventually(t, func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
			return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
		}, 2*time.Second, 20*time.Millisecond, svc)
	}
}

func TestApp_ListenerFailureStopsRun(t *testing.T) {
	c := testConfig(t)
	c.SwitchboardAddr = "127.0.0.1:99999"

	app, err := newApp(context.Background(), c, logging.Nop{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not fail")
	}
}

func TestNewApp_BadStore(t *testing.T) {
	c := testConfig(t)
	c.StoreLocation = "ftp://example.com/users"

	_, err := newApp(context.Background(), c, logging.Nop{})
	assert.ErrorIs(t, err, common.ErrUnsupportedStore)
}
