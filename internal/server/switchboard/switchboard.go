// Package switchboard implements the chat session stage: ticket login,
// inviting participants with CAL, and relaying MSG bodies to bridged
// participants.
package switchboard

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophmsn/internal/common"
	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/bridge"
	"github.com/dmitrijs2005/gophmsn/internal/server/conn"
	"github.com/dmitrijs2005/gophmsn/internal/server/contactdb"
	"github.com/dmitrijs2005/gophmsn/internal/server/dispatch"
)

// ackNone is the MSG acknowledgement mode that expects no reply.
const ackNone = "U"

const defaultBridgeTimeout = 10 * time.Second

var newSessionID = func() int {
	return int(common.RandIntRange(100, 99999999))
}

type Tickets interface {
	Issue(username string) (string, error)
	Verify(ticket, username string) error
}

// Switchboard is the stage attached to every switchboard connection.
type Switchboard struct {
	db           contactdb.Database
	tickets      Tickets
	bridge       bridge.Bridge
	bridgeDomain string
	// BridgeTimeout bounds one outbound bridge send.
	BridgeTimeout time.Duration

	mu       sync.Mutex
	sessions map[int]*Session
}

// New returns a switchboard stage. br may be nil, in which case addresses in
// the bridged domain are treated like any other offline user.
func New(db contactdb.Database, tickets Tickets, br bridge.Bridge, bridgeDomain string) *Switchboard {
	return &Switchboard{
		db:            db,
		tickets:       tickets,
		bridge:        br,
		bridgeDomain:  strings.ToLower(bridgeDomain),
		BridgeTimeout: defaultBridgeTimeout,
		sessions:      map[int]*Session{},
	}
}

// Session returns the open session with the given id, or nil.
func (sb *Switchboard) Session(id int) *Session {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.sessions[id]
}

func (sb *Switchboard) track(s *Session) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.sessions[s.id] = s
}

func (sb *Switchboard) forget(s *Session) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.sessions[s.id] == s {
		delete(sb.sessions, s.id)
	}
}

func (sb *Switchboard) Attach(c *conn.Conn) {
	c.Dispatcher().Patch(dispatch.Table{
		"USR": func(ctx context.Context, cmd dispatch.Command) { sb.handleUSR(ctx, c, cmd) },
	})
}

func (sb *Switchboard) bridged(addr string) bool {
	return sb.bridge != nil && sb.bridgeDomain != "" &&
		strings.ToLower(protocol.Domain(addr)) == sb.bridgeDomain
}

func (sb *Switchboard) nickname(ctx context.Context, username string) string {
	nick, err := sb.db.Nickname(ctx, username)
	if err != nil {
		return username
	}
	return nick
}

func (sb *Switchboard) handleUSR(ctx context.Context, c *conn.Conn, cmd dispatch.Command) {
	if len(cmd.Args) < 3 {
		c.Logger().Warn(ctx, "malformed command", "command", cmd.String())
		return
	}
	trid, username, ticket := cmd.Args[0], cmd.Args[1], cmd.Args[2]

	if !sb.db.CheckUsername(ctx, username) {
		_ = c.Send(protocol.ErrorLine(protocol.CodeAuthFailed, trid))
		return
	}
	if err := sb.tickets.Verify(ticket, username); err != nil {
		c.Logger().Info(ctx, "switchboard ticket rejected", "user", username, "error", err)
		_ = c.Send(protocol.ErrorLine(protocol.CodeAuthFailed, trid))
		return
	}
	if err := c.BindUsername(username); err != nil {
		_ = c.Send(protocol.ErrorLine(protocol.CodeAlreadyLoggedIn, trid))
		return
	}

	s := newSession(sb, c)
	c.Dispatcher().Patch(dispatch.Table{
		"USR": func(ctx context.Context, cmd dispatch.Command) {
			_ = c.Send(protocol.ErrorLine(protocol.CodeAlreadyLoggedIn, cmd.TrID()))
		},
		"CAL": s.handleCAL,
		"MSG": s.handleMSG,
	})
	sb.track(s)
	c.OnClose(s.teardown)

	c.Logger().Info(ctx, "switchboard session opened", "user", username, "session", s.id)
	_ = c.Send(protocol.Line("USR", trid, "OK", username, sb.nickname(ctx, username)))
}
