package admin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophmsn/internal/logging"
	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/contactdb"
	"github.com/dmitrijs2005/gophmsn/internal/server/repositories/users"
)

func notTerminal(t *testing.T) {
	t.Helper()
	old := isTerminal
	isTerminal = func(int) bool { return false }
	t.Cleanup(func() { isTerminal = old })
}

func newTestApp(t *testing.T, input string) (*App, *contactdb.Store, *bytes.Buffer) {
	t.Helper()
	notTerminal(t)
	repo, err := users.NewFileRepository(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)
	db, err := contactdb.NewStore(context.Background(), repo, logging.Nop{}, nil)
	require.NoError(t, err)
	var out bytes.Buffer
	return NewApp(db, repo, strings.NewReader(input), &out), db, &out
}

func checkPassword(t *testing.T, db *contactdb.Store, user, pw string) bool {
	t.Helper()
	ctx := context.Background()
	salt, err := db.Salt(ctx, user)
	require.NoError(t, err)
	return db.CheckResponse(ctx, user, contactdb.PassKey(pw, salt))
}

func TestAddAndPasswd(t *testing.T) {
	app, db, out := newTestApp(t, "first\nsecond\n")
	ctx := context.Background()

	require.NoError(t, app.Exec(ctx, []string{"add", "alice@example.com", "Alice", "L."}))
	assert.Contains(t, out.String(), "added alice@example.com")
	assert.True(t, checkPassword(t, db, "alice@example.com", "first"))
	nick, err := db.Nickname(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Alice%20L.", nick)

	require.NoError(t, app.Exec(ctx, []string{"passwd", "alice@example.com"}))
	assert.True(t, checkPassword(t, db, "alice@example.com", "second"))
	assert.False(t, checkPassword(t, db, "alice@example.com", "first"))
}

func TestAdd_Rejections(t *testing.T) {
	app, _, _ := newTestApp(t, "pw\n")
	ctx := context.Background()

	assert.ErrorIs(t, app.Exec(ctx, []string{"add", "alice"}), contactdb.ErrInvalidUsername)
	require.NoError(t, app.Exec(ctx, []string{"add", "alice@example.com"}))
	assert.ErrorIs(t, app.Exec(ctx, []string{"add", "alice@example.com"}), ErrUserExists)
	assert.ErrorIs(t, app.Exec(ctx, []string{"add", "bob@example.com"}), io.EOF, "input exhausted")
}

func TestProfileCommands(t *testing.T) {
	app, db, out := newTestApp(t, "pw\npw\n")
	ctx := context.Background()
	require.NoError(t, app.Exec(ctx, []string{"add", "alice@example.com"}))
	require.NoError(t, app.Exec(ctx, []string{"add", "bob@example.com"}))

	require.NoError(t, app.Exec(ctx, []string{"nick", "alice@example.com", "Queen", "of", "Hearts"}))
	require.NoError(t, app.Exec(ctx, []string{"phone", "alice@example.com", "555", "0100"}))
	phone, err := db.Phone(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "555 0100", phone)

	out.Reset()
	require.NoError(t, app.Exec(ctx, []string{"lookup", "555", "0100"}))
	assert.Equal(t, "alice@example.com\n", out.String())

	out.Reset()
	require.NoError(t, app.Exec(ctx, []string{"show", "alice@example.com"}))
	assert.Contains(t, out.String(), "Nickname: Queen of Hearts\n")
	assert.Contains(t, out.String(), "Phone: 555 0100\n")

	out.Reset()
	require.NoError(t, app.Exec(ctx, []string{"list"}))
	assert.Equal(t, "alice@example.com\nbob@example.com\n", out.String())

	assert.ErrorIs(t, app.Exec(ctx, []string{"nick", "ghost@example.com", "x"}), ErrUnknownUser)
	assert.ErrorIs(t, app.Exec(ctx, []string{"show", "ghost@example.com"}), ErrUnknownUser)
}

func TestGroupsListsAndDelete(t *testing.T) {
	app, db, out := newTestApp(t, "pw\npw\n")
	ctx := context.Background()
	require.NoError(t, app.Exec(ctx, []string{"add", "alice@example.com"}))
	require.NoError(t, app.Exec(ctx, []string{"add", "bob@example.com"}))
	_, err := db.AddToList(ctx, "alice@example.com", "bob@example.com", protocol.ForwardList)
	require.NoError(t, err)
	_, err = db.NewGroup(ctx, "alice@example.com", "Close%20Friends")
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, app.Exec(ctx, []string{"groups", "alice@example.com"}))
	assert.Equal(t, "0\tOther Contacts\n1\tClose Friends\n", out.String())

	out.Reset()
	require.NoError(t, app.Exec(ctx, []string{"lists", "bob@example.com"}))
	assert.Equal(t, "FL: \nAL: \nBL: \nRL: alice@example.com\n", out.String())

	require.NoError(t, app.Exec(ctx, []string{"del", "alice@example.com"}))
	assert.False(t, db.CheckUsername(ctx, "alice@example.com"))
	out.Reset()
	require.NoError(t, app.Exec(ctx, []string{"lists", "bob@example.com"}))
	assert.Equal(t, "FL: \nAL: \nBL: \nRL: \n", out.String())

	assert.ErrorIs(t, app.Exec(ctx, []string{"del", "alice@example.com"}), ErrUnknownUser)
}

func TestExec_Usage(t *testing.T) {
	app, _, out := newTestApp(t, "")
	ctx := context.Background()

	require.NoError(t, app.Exec(ctx, nil))
	assert.Contains(t, out.String(), "Commands:")
	assert.ErrorIs(t, app.Exec(ctx, []string{"frobnicate"}), ErrUsage)
	assert.ErrorIs(t, app.Exec(ctx, []string{"nick", "alice@example.com"}), ErrUsage)
}

func TestRoot(t *testing.T) {
	app, _, out := newTestApp(t, "add alice@example.com\npw\n\nbogus\nlist\nexit\nlist\n")

	app.Root(context.Background())
	s := out.String()
	assert.Contains(t, s, "added alice@example.com")
	assert.Contains(t, s, "Error: usage: unknown command \"bogus\"")
	assert.Contains(t, s, "alice@example.com\nuseradmin> Bye!")
}

func TestRoot_StopsAtEOF(t *testing.T) {
	app, _, out := newTestApp(t, "list")
	app.Root(context.Background())
	assert.True(t, strings.HasSuffix(out.String(), "useradmin> \n"))
}

func TestGetPassword_Terminal(t *testing.T) {
	oldTerm, oldRead := isTerminal, readPassword
	t.Cleanup(func() { isTerminal, readPassword = oldTerm, oldRead })
	isTerminal = func(int) bool { return true }

	var out bytes.Buffer
	readPassword = func(int) ([]byte, error) { return []byte("hunter2"), nil }
	pw, err := GetPassword(nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
	assert.Equal(t, "Enter password: \n", out.String())

	readPassword = func(int) ([]byte, error) { return nil, nil }
	_, err = GetPassword(nil, &out)
	assert.ErrorIs(t, err, ErrEmptyPassword)

	boom := errors.New("boom")
	readPassword = func(int) ([]byte, error) { return nil, boom }
	_, err = GetPassword(nil, &out)
	assert.ErrorIs(t, err, boom)
}
