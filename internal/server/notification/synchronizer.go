// Package notification implements the post-login notification stage: list
// synchronization, presence changes and their relay to contacts, list and
// group edits, and the transfer to a switchboard.
package notification

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/conn"
	"github.com/dmitrijs2005/gophmsn/internal/server/contactdb"
	"github.com/dmitrijs2005/gophmsn/internal/server/dispatch"
)

// ChangeStatus is the internal command a connection receives when one of
// its contacts changes presence. Arguments: username, status.
const ChangeStatus = "change-status"

// statusHidden appears offline to everyone else.
const statusHidden = "HDN"

var validStatuses = map[string]struct{}{
	"NLN": {}, "BSY": {}, "IDL": {}, "BRB": {}, "AWY": {}, "PHN": {}, "LUN": {}, statusHidden: {},
}

// TicketIssuer hands out switchboard tickets.
type TicketIssuer interface {
	Issue(username string) (string, error)
}

// Synchronizer is the stage attached after a successful login.
type Synchronizer struct {
	db           contactdb.Database
	tickets      TicketIssuer
	bridgeDomain string
}

func New(db contactdb.Database, tickets TicketIssuer, bridgeDomain string) *Synchronizer {
	return &Synchronizer{db: db, tickets: tickets, bridgeDomain: strings.ToLower(bridgeDomain)}
}

// session is the per-connection state. It is only touched by the
// connection's worker, except onClose which runs once at teardown.
type session struct {
	*Synchronizer
	c       *conn.Conn
	variant Variant
	version int
}

func (s *Synchronizer) Attach(c *conn.Conn) {
	sess := &session{Synchronizer: s, c: c, variant: ParseVariant(c.Variant())}

	t := dispatch.Table{
		"SYN": sess.handleSYN,
		"CHG": sess.handleCHG,
		"ADD": sess.handleADD,
		"REM": sess.handleREM,
		"REA": sess.handleREA,
		"XFR": sess.handleXFR,
	}
	if sess.variant.hasGroups() {
		t["ADG"] = sess.handleADG
		t["RMG"] = sess.handleRMG
	}
	c.Dispatcher().Patch(t)
	c.Dispatcher().PatchInternal(dispatch.Table{ChangeStatus: sess.handleChangeStatus})
	c.OnClose(sess.onClose)
}

func (s *session) me() string {
	return s.c.Username()
}

func (s *session) bridged(username string) bool {
	return s.bridgeDomain != "" && strings.ToLower(protocol.Domain(username)) == s.bridgeDomain
}

func (s *session) fail(code protocol.Code, trid string) {
	_ = s.c.Send(protocol.ErrorLine(code, trid))
}

func (s *session) malformed(ctx context.Context, cmd dispatch.Command) {
	s.c.Logger().Warn(ctx, "malformed command", "command", cmd.String())
}

// visible is the status other users see.
func visible(status string) string {
	if status == statusHidden {
		return protocol.StatusOffline
	}
	return status
}

func (s *session) handleSYN(ctx context.Context, cmd dispatch.Command) {
	if len(cmd.Args) < 2 {
		s.malformed(ctx, cmd)
		return
	}
	trid := cmd.TrID()
	clientVer, err := strconv.Atoi(cmd.Args[1])
	if err != nil || clientVer < 0 {
		s.malformed(ctx, cmd)
		return
	}

	s.version = max(s.version, clientVer) + 1
	ver := protocol.Itoa(s.version)
	me := s.me()

	_ = s.c.Send(protocol.Line("SYN", trid, ver))
	_ = s.c.Send(protocol.Line("GTC", trid, ver, "A"))
	_ = s.c.Send(protocol.Line("BLP", trid, ver, "AL"))

	if phone, err := s.db.Phone(ctx, me); err == nil && phone != "" {
		_ = s.c.Send(protocol.Line("PRP", trid, ver, "PHM", protocol.Escape(phone)))
	}

	if s.variant.hasGroups() {
		groups, err := s.db.GroupNames(ctx, me)
		if err != nil {
			s.c.Logger().Error(ctx, "group lookup failed", "error", err)
			return
		}
		lines := make([]string, 0, len(groups))
		for i, g := range groups {
			lines = append(lines, protocol.Line("LSG", trid, ver, protocol.Itoa(i+1), protocol.Itoa(len(groups)), protocol.Itoa(i), g, "0"))
		}
		_ = s.c.SendLines(lines)
	}

	for _, l := range protocol.AllLists {
		contacts, err := s.db.ContactsInList(ctx, me, l)
		if err != nil {
			s.c.Logger().Error(ctx, "list lookup failed", "list", string(l), "error", err)
			return
		}
		if len(contacts) == 0 {
			_ = s.c.Send(protocol.Line("LST", trid, string(l), ver, "0", "0"))
			continue
		}
		n := protocol.Itoa(len(contacts))
		for i, ct := range contacts {
			fields := []string{"LST", trid, string(l), ver, protocol.Itoa(i + 1), n, ct.Username, ct.Nickname}
			if l == protocol.ForwardList && s.variant.hasGroups() {
				fields = append(fields, groupList(ct.Groups))
			}
			_ = s.c.Send(protocol.Line(fields...))
		}
	}
}

func groupList(groups []int) string {
	if len(groups) == 0 {
		return "0"
	}
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = strconv.Itoa(g)
	}
	return strings.Join(parts, ",")
}

func (s *session) handleCHG(ctx context.Context, cmd dispatch.Command) {
	if len(cmd.Args) < 2 {
		s.malformed(ctx, cmd)
		return
	}
	trid, status := cmd.Args[0], cmd.Args[1]
	if _, ok := validStatuses[status]; !ok {
		s.fail(protocol.CodeInvalidParameter, trid)
		return
	}

	s.c.SetStatus(status)
	s.broadcast(ctx, visible(status))
	_ = s.c.Send(protocol.Line("CHG", trid, status))
	s.sendInitialStatuses(ctx, trid)
}

// broadcast tells every online FL contact about our status. Delivery is
// non-blocking; a contact whose inbox is full misses the update.
func (s *session) broadcast(ctx context.Context, status string) {
	me := s.me()
	contacts, err := s.db.ContactsInList(ctx, me, protocol.ForwardList)
	if err != nil {
		s.c.Logger().Error(ctx, "list lookup failed", "error", err)
		return
	}
	for _, ct := range contacts {
		p := s.db.Lookup(ct.Username)
		if p == nil {
			continue
		}
		if err := p.Tell(ChangeStatus, me, status); err != nil {
			s.c.Logger().Warn(ctx, "status update dropped", "to", ct.Username, "error", err)
		}
	}
}

func (s *session) sendInitialStatuses(ctx context.Context, trid string) {
	contacts, err := s.db.ContactsInList(ctx, s.me(), protocol.ForwardList)
	if err != nil {
		s.c.Logger().Error(ctx, "list lookup failed", "error", err)
		return
	}
	for _, ct := range contacts {
		if s.bridged(ct.Username) {
			_ = s.c.Send(protocol.Line("ILN", trid, protocol.StatusOnline, ct.Username, ct.Nickname))
			continue
		}
		p := s.db.Lookup(ct.Username)
		if p == nil {
			continue
		}
		st := visible(p.Status())
		if st == protocol.StatusOffline {
			continue
		}
		_ = s.c.Send(protocol.Line("ILN", trid, st, ct.Username, ct.Nickname))
	}
}

func (s *session) handleChangeStatus(ctx context.Context, cmd dispatch.Command) {
	if !cmd.Internal || len(cmd.Args) < 2 {
		return
	}
	user, status := cmd.Args[0], cmd.Args[1]
	if status == protocol.StatusOffline {
		_ = s.c.Send(protocol.Line("FLN", user))
		return
	}
	nick, err := s.db.Nickname(ctx, user)
	if err != nil {
		nick = user
	}
	_ = s.c.Send(protocol.Line("NLN", status, user, nick))
}

// onClose makes the user appear offline to online contacts. The presence
// binding stays; a closed peer already reads as offline.
func (s *session) onClose() {
	if s.me() == "" {
		return
	}
	was := s.c.Status()
	s.c.SetStatus(protocol.StatusOffline)
	if visible(was) != protocol.StatusOffline {
		s.broadcast(context.Background(), protocol.StatusOffline)
	}
}

func (s *session) handleXFR(ctx context.Context, cmd dispatch.Command) {
	if len(cmd.Args) < 2 {
		s.malformed(ctx, cmd)
		return
	}
	trid, target := cmd.Args[0], cmd.Args[1]
	if target != "SB" {
		s.c.Logger().Warn(ctx, "unknown transfer target", "target", target)
		return
	}
	ticket, err := s.tickets.Issue(s.me())
	if err != nil {
		s.c.Logger().Error(ctx, "issuing ticket failed", "error", err)
		s.fail(protocol.CodeInternalError, trid)
		return
	}
	_ = s.c.Send(protocol.Line("XFR", trid, "SB", s.db.SwitchboardAddr(), "CKI", ticket))
}

func (s *session) handleREA(ctx context.Context, cmd dispatch.Command) {
	if len(cmd.Args) < 3 {
		s.malformed(ctx, cmd)
		return
	}
	trid, user, nick := cmd.Args[0], cmd.Args[1], cmd.Args[2]
	if user != s.me() {
		s.fail(protocol.CodeInvalidParameter, trid)
		return
	}
	if err := s.db.SetNickname(ctx, user, nick); err != nil {
		s.c.Logger().Error(ctx, "rename failed", "error", err)
		s.fail(protocol.CodeInternalError, trid)
		return
	}
	s.version++
	_ = s.c.Send(protocol.Line("REA", trid, protocol.Itoa(s.version), user, nick))

	if st := visible(s.c.Status()); st != protocol.StatusOffline {
		s.broadcast(ctx, st)
	}
}

// listCommand holds the parsed arguments shared by ADD and REM.
type listCommand struct {
	trid  string
	list  protocol.ListName
	user  string
	nick  string
	group int
	// grouped is set when the client named a group (MSNP7 only).
	grouped bool
}

func (s *session) parseListCommand(ctx context.Context, cmd dispatch.Command, withNick bool) (*listCommand, bool) {
	if len(cmd.Args) < 3 {
		s.malformed(ctx, cmd)
		return nil, false
	}
	lc := &listCommand{trid: cmd.Args[0], user: cmd.Args[2], nick: cmd.Args[2]}

	if !protocol.IsEmail(lc.user) {
		s.fail(protocol.CodeInvalidParameter, lc.trid)
		return nil, false
	}
	l, ok := protocol.ParseListName(cmd.Args[1])
	if !ok || !l.ClientMutable() {
		s.fail(protocol.CodeInvalidParameter, lc.trid)
		return nil, false
	}
	lc.list = l

	rest := cmd.Args[3:]
	if withNick && len(rest) > 0 {
		lc.nick, rest = rest[0], rest[1:]
	}
	if len(rest) > 0 && s.variant.hasGroups() && l == protocol.ForwardList {
		g, err := strconv.Atoi(rest[0])
		if err != nil || g < 0 {
			s.fail(protocol.CodeInvalidGroup, lc.trid)
			return nil, false
		}
		lc.group, lc.grouped = g, true
	}
	return lc, true
}

func (s *session) handleADD(ctx context.Context, cmd dispatch.Command) {
	lc, ok := s.parseListCommand(ctx, cmd, true)
	if !ok {
		return
	}
	me := s.me()

	var (
		res protocol.ListResult
		err error
	)
	if lc.grouped {
		// An FL entry with a group id files a new contact under that group,
		// or adds a group membership to an existing one.
		res, err = s.db.AddToGroupedList(ctx, me, lc.user, lc.group)
	} else {
		res, err = s.db.AddToList(ctx, me, lc.user, lc.list)
	}
	if err != nil {
		code := groupCode(err)
		if code == protocol.CodeInternalError {
			s.c.Logger().Error(ctx, "add to list failed", "list", string(lc.list), "contact", lc.user, "error", err)
		}
		s.fail(code, lc.trid)
		return
	}
	if res != protocol.Success {
		s.fail(res.Code(), lc.trid)
		return
	}

	s.version++
	fields := []string{"ADD", lc.trid, string(lc.list), protocol.Itoa(s.version), lc.user, lc.nick}
	if lc.grouped {
		fields = append(fields, protocol.Itoa(lc.group))
	}
	_ = s.c.Send(protocol.Line(fields...))
}

func (s *session) handleREM(ctx context.Context, cmd dispatch.Command) {
	lc, ok := s.parseListCommand(ctx, cmd, false)
	if !ok {
		return
	}
	me := s.me()

	if lc.grouped {
		if err := s.db.RemoveFromGroup(ctx, me, lc.group, lc.user); err != nil {
			s.fail(groupCode(err), lc.trid)
			return
		}
		s.version++
		_ = s.c.Send(protocol.Line("REM", lc.trid, string(lc.list), protocol.Itoa(s.version), lc.user, protocol.Itoa(lc.group)))
		return
	}

	res, err := s.db.RemoveFromList(ctx, me, lc.user, lc.list)
	if err != nil {
		s.c.Logger().Error(ctx, "remove from list failed", "list", string(lc.list), "contact", lc.user, "error", err)
		s.fail(protocol.CodeInternalError, lc.trid)
		return
	}
	if res != protocol.Success {
		s.fail(res.Code(), lc.trid)
		return
	}
	s.version++
	_ = s.c.Send(protocol.Line("REM", lc.trid, string(lc.list), protocol.Itoa(s.version), lc.user))
}

func groupCode(err error) protocol.Code {
	switch {
	case errors.Is(err, contactdb.ErrInvalidGroup):
		return protocol.CodeInvalidGroup
	case errors.Is(err, contactdb.ErrAlreadyInGroup):
		return protocol.CodeAlreadyInList
	case errors.Is(err, contactdb.ErrNotInGroup):
		return protocol.CodeNotInGroup
	case errors.Is(err, contactdb.ErrNotContact):
		return protocol.CodeNotInList
	case errors.Is(err, contactdb.ErrGroupExists):
		return protocol.CodeGroupExists
	case errors.Is(err, contactdb.ErrDefaultGroup):
		return protocol.CodeDefaultGroup
	}
	return protocol.CodeInternalError
}

func (s *session) handleADG(ctx context.Context, cmd dispatch.Command) {
	if len(cmd.Args) < 2 {
		s.malformed(ctx, cmd)
		return
	}
	trid, name := cmd.Args[0], cmd.Args[1]

	g, err := s.db.NewGroup(ctx, s.me(), name)
	if err != nil {
		s.fail(groupCode(err), trid)
		return
	}
	s.version++
	_ = s.c.Send(protocol.Line("ADG", trid, protocol.Itoa(s.version), name, protocol.Itoa(g), "0"))
}

func (s *session) handleRMG(ctx context.Context, cmd dispatch.Command) {
	if len(cmd.Args) < 2 {
		s.malformed(ctx, cmd)
		return
	}
	trid := cmd.Args[0]
	g, err := strconv.Atoi(cmd.Args[1])
	if err != nil {
		s.fail(protocol.CodeInvalidGroup, trid)
		return
	}

	ok, err := s.db.DeleteGroup(ctx, s.me(), g)
	if err != nil {
		s.fail(groupCode(err), trid)
		return
	}
	if !ok {
		s.fail(protocol.CodeInvalidGroup, trid)
		return
	}
	s.version++
	_ = s.c.Send(protocol.Line("RMG", trid, protocol.Itoa(s.version), protocol.Itoa(g)))
}
