package listener

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dmitrijs2005/gophmsn/internal/logging"
	"github.com/dmitrijs2005/gophmsn/internal/server/conn"
	"github.com/dmitrijs2005/gophmsn/internal/server/dispatch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var pingStage = conn.StageFunc(func(c *conn.Conn) {
	c.Dispatcher().Patch(dispatch.Table{
		"PNG": func(ctx context.Context, cmd dispatch.Command) { _ = c.Send("QNG " + cmd.TrID()) },
	})
})

func runListener(t *testing.T, l *Listener) (cancel func(), done chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-l.Ready():
	case err := <-done:
		t.Fatalf("listener failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener not ready")
	}
	return cancelFn, done
}

func dial(t *testing.T, l *Listener) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	return nc, bufio.NewReader(nc)
}

func readLine(t *testing.T, nc net.Conn, r *bufio.Reader) string {
	t.Helper()
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	s, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(s, "\r\n")
}

func TestRun_ServesClientsAndStops(t *testing.T) {
	l := New("test", "127.0.0.1:0", 5, conn.Options{}, logging.Nop{}, pingStage)
	cancel, done := runListener(t, l)

	a, ra := dial(t, l)
	defer a.Close()
	b, rb := dial(t, l)
	defer b.Close()

	_, err := a.Write([]byte("PNG 1\r\n"))
	require.NoError(t, err)
	_, err = b.Write([]byte("PNG 2\r\nNOPE 3\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "QNG 1", readLine(t, a, ra))
	assert.Equal(t, "QNG 2", readLine(t, b, rb))
	assert.Equal(t, "200 3", readLine(t, b, rb))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestRun_LimitsConcurrentClients(t *testing.T) {
	l := New("test", "127.0.0.1:0", 1, conn.Options{}, logging.Nop{}, pingStage)
	cancel, done := runListener(t, l)
	defer func() {
		cancel()
		<-done
	}()

	first, r1 := dial(t, l)
	_, err := first.Write([]byte("PNG 1\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "QNG 1", readLine(t, first, r1))

	second, r2 := dial(t, l)
	defer second.Close()
	_, err = second.Write([]byte("PNG 2\r\n"))
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = r2.ReadString('\n')
	require.Error(t, err, "second client waits while the first holds the only slot")

	require.NoError(t, first.Close())
	assert.Equal(t, "QNG 2", readLine(t, second, r2))
}

func TestRun_BadAddress(t *testing.T) {
	l := New("test", "127.0.0.1:99999", 1, conn.Options{}, logging.Nop{})
	require.Error(t, l.Run(context.Background()))
}
