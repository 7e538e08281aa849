// Package servertest holds helpers for exercising protocol stages over an
// in-memory pipe.
package servertest

import (
	"bufio"
	"context"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophmsn/internal/logging"
	"github.com/dmitrijs2005/gophmsn/internal/server/conn"
	"github.com/dmitrijs2005/gophmsn/internal/server/contactdb"
	"github.com/dmitrijs2005/gophmsn/internal/server/repositories/users"
)

// Password is the password of every user created by NewStore.
const Password = "secret"

// NewStore returns a contact database persisted in a temporary JSON file,
// with the given users registered and signal.com auto-provisioned.
func NewStore(t *testing.T, usernames ...string) *contactdb.Store {
	t.Helper()
	ctx := context.Background()

	repo, err := users.NewFileRepository(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)
	s, err := contactdb.NewStore(ctx, repo, logging.Nop{}, []string{"signal.com"})
	require.NoError(t, err)

	for _, u := range usernames {
		ok, err := s.AddUser(ctx, u, Password, "")
		require.NoError(t, err)
		require.True(t, ok, u)
	}
	return s
}

// Client is the remote end of a connection under test.
type Client struct {
	T    *testing.T
	Conn *conn.Conn
	nc   net.Conn
	r    *bufio.Reader
}

// Dial starts a conn.Conn with the given stages over net.Pipe. The
// connection is closed when the test ends.
func Dial(t *testing.T, stages ...conn.Stage) *Client {
	t.Helper()
	server, other := net.Pipe()
	c := conn.New(server, logging.Nop{}, conn.Options{SendTimeout: 2 * time.Second}, stages...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Serve(context.Background())
	}()

	cl := &Client{T: t, Conn: c, nc: other, r: bufio.NewReader(other)}
	t.Cleanup(func() {
		c.Close()
		_ = other.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("connection did not stop")
		}
	})
	return cl
}

// Send writes one line, adding CRLF.
func (cl *Client) Send(line string) {
	cl.T.Helper()
	cl.SendRaw(line + "\r\n")
}

// SendRaw writes bytes as given.
func (cl *Client) SendRaw(s string) {
	cl.T.Helper()
	require.NoError(cl.T, cl.nc.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := io.WriteString(cl.nc, s)
	require.NoError(cl.T, err)
}

// ReadLine returns the next line without its CRLF.
func (cl *Client) ReadLine() string {
	cl.T.Helper()
	require.NoError(cl.T, cl.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := cl.r.ReadString('\n')
	require.NoError(cl.T, err)
	require.True(cl.T, strings.HasSuffix(line, "\r\n"), "line not CRLF terminated: %q", line)
	return strings.TrimSuffix(line, "\r\n")
}

// ReadLines reads n lines.
func (cl *Client) ReadLines(n int) []string {
	cl.T.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, cl.ReadLine())
	}
	return out
}

// ReadN reads exactly n bytes.
func (cl *Client) ReadN(n int) string {
	cl.T.Helper()
	require.NoError(cl.T, cl.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	b := make([]byte, n)
	_, err := io.ReadFull(cl.r, b)
	require.NoError(cl.T, err)
	return string(b)
}

// ExpectSilence fails if anything arrives within d.
func (cl *Client) ExpectSilence(d time.Duration) {
	cl.T.Helper()
	require.NoError(cl.T, cl.nc.SetReadDeadline(time.Now().Add(d)))
	line, err := cl.r.ReadString('\n')
	require.Error(cl.T, err, "unexpected line %q", line)
}

// Close hangs up the client side.
func (cl *Client) Close() {
	_ = cl.nc.Close()
}
