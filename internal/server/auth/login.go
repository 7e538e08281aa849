package auth

import (
	"context"
	"strings"

	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/conn"
	"github.com/dmitrijs2005/gophmsn/internal/server/contactdb"
	"github.com/dmitrijs2005/gophmsn/internal/server/dispatch"
)

type loginState int

const (
	stateUnauthenticated loginState = iota
	stateChallengeSent
	stateAuthenticated
)

// Login is the first stage of the notification listener: VER, INF and the
// two-step USR MD5 exchange. On success the next stage is attached to the
// same connection.
type Login struct {
	db       contactdb.Database
	versions string
	next     conn.Stage
}

// NewLogin builds the stage. versions is the string echoed in VER replies;
// next is attached once the client is authenticated.
func NewLogin(db contactdb.Database, versions string, next conn.Stage) *Login {
	return &Login{db: db, versions: versions, next: next}
}

// attempt is the per-connection login state. It is only touched by the
// connection's worker.
type attempt struct {
	*Login
	c       *conn.Conn
	state   loginState
	pending string
}

func (l *Login) Attach(c *conn.Conn) {
	a := &attempt{Login: l, c: c}
	c.Dispatcher().Patch(dispatch.Table{
		"VER": a.handleVER,
		"INF": a.handleINF,
		"USR": a.handleUSR,
	})
}

func (a *attempt) handleVER(ctx context.Context, cmd dispatch.Command) {
	if len(cmd.Args) < 1 {
		a.c.Logger().Warn(ctx, "malformed VER", "command", cmd.String())
		return
	}
	a.c.SetVariant(protocol.BestVariant(cmd.Args[1:], strings.Fields(a.versions)))
	_ = a.c.Send(protocol.Line("VER", cmd.TrID(), a.versions))
}

func (a *attempt) handleINF(ctx context.Context, cmd dispatch.Command) {
	if len(cmd.Args) < 1 {
		a.c.Logger().Warn(ctx, "malformed INF", "command", cmd.String())
		return
	}
	_ = a.c.Send(protocol.Line("INF", cmd.TrID(), "MD5"))
}

func (a *attempt) handleUSR(ctx context.Context, cmd dispatch.Command) {
	if len(cmd.Args) != 4 {
		a.c.Logger().Warn(ctx, "malformed USR", "command", cmd.String())
		return
	}
	trid, scheme, sub, value := cmd.Args[0], cmd.Args[1], cmd.Args[2], cmd.Args[3]
	if scheme != "MD5" {
		a.c.Logger().Warn(ctx, "unsupported auth scheme", "scheme", scheme)
		return
	}

	switch sub {
	case "I":
		a.initial(ctx, trid, value)
	case "S":
		a.subsequent(ctx, trid, value)
	default:
		a.c.Logger().Warn(ctx, "unknown USR subcommand", "sub", sub)
	}
}

func (a *attempt) initial(ctx context.Context, trid, username string) {
	if !a.db.CheckUsername(ctx, username) {
		a.c.Logger().Info(ctx, "login for unknown user", "user", username)
		_ = a.c.Send(protocol.ErrorLine(protocol.CodeAuthFailed, trid))
		return
	}
	salt, err := a.db.Salt(ctx, username)
	if err != nil {
		_ = a.c.Send(protocol.ErrorLine(protocol.CodeAuthFailed, trid))
		return
	}
	a.pending = username
	a.state = stateChallengeSent
	_ = a.c.Send(protocol.Line("USR", trid, "MD5", "S", salt))
}

func (a *attempt) subsequent(ctx context.Context, trid, response string) {
	if a.state != stateChallengeSent {
		_ = a.c.Send(protocol.ErrorLine(protocol.CodeAuthFailed, trid))
		return
	}
	if !a.db.CheckResponse(ctx, a.pending, response) {
		a.c.Logger().Info(ctx, "bad challenge response", "user", a.pending)
		_ = a.c.Send(protocol.ErrorLine(protocol.CodeAuthFailed, trid))
		return
	}

	username := a.pending
	if err := a.c.BindUsername(username); err != nil {
		a.c.Logger().Error(ctx, "username already bound", "user", username, "error", err)
		_ = a.c.Send(protocol.ErrorLine(protocol.CodeAlreadyLoggedIn, trid))
		return
	}
	nick, err := a.db.Nickname(ctx, username)
	if err != nil {
		nick = username
	}

	a.state = stateAuthenticated
	a.db.Bind(username, a.c)
	a.c.OnClose(func() { a.db.Unbind(username, a.c) })
	a.c.Dispatcher().Patch(dispatch.Table{"USR": alreadyLoggedIn(a.c)})
	if a.next != nil {
		a.next.Attach(a.c)
	}

	a.c.Logger().Info(ctx, "user logged in", "user", username)
	_ = a.c.Send(protocol.Line("USR", trid, "OK", username, nick))
}

func alreadyLoggedIn(c *conn.Conn) dispatch.HandlerFunc {
	return func(ctx context.Context, cmd dispatch.Command) {
		_ = c.Send(protocol.ErrorLine(protocol.CodeAlreadyLoggedIn, cmd.TrID()))
	}
}
