package switchboard

import (
	"context"
	"slices"
	"sync"

	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/bridge"
	"github.com/dmitrijs2005/gophmsn/internal/server/conn"
	"github.com/dmitrijs2005/gophmsn/internal/server/dispatch"
)

// remotePeer is a bridged participant and its inbound subscription. sub is
// nil while the subscription could not be opened; outbound relay still
// reaches the participant.
type remotePeer struct {
	address string
	sub     bridge.Subscription
}

// Session is one switchboard conversation, owned by the connection that
// opened it.
type Session struct {
	*Switchboard
	c  *conn.Conn
	id int

	mu           sync.Mutex
	closed       bool
	participants []string
	remotes      map[string]*remotePeer
}

func newSession(sb *Switchboard, c *conn.Conn) *Session {
	return &Session{
		Switchboard: sb,
		c:           c,
		id:          newSessionID(),
		remotes:     map[string]*remotePeer{},
	}
}

func (s *Session) addParticipant(addr string) {
	if !slices.Contains(s.participants, addr) {
		s.participants = append(s.participants, addr)
	}
}

// Participants returns the addresses invited into the session so far.
func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.participants)
}

func (s *Session) handleCAL(ctx context.Context, cmd dispatch.Command) {
	if len(cmd.Args) < 2 {
		s.c.Logger().Warn(ctx, "malformed command", "command", cmd.String())
		return
	}
	trid, target := cmd.Args[0], cmd.Args[1]
	sbid := protocol.Itoa(s.id)

	if !protocol.IsEmail(target) {
		_ = s.c.Send(protocol.ErrorLine(protocol.CodeInvalidParameter, trid))
		return
	}

	if s.bridged(target) {
		if err := s.subscribe(ctx, target); err != nil {
			s.c.Logger().Warn(ctx, "bridge subscription failed", "target", target, "error", err)
		}
		_ = s.c.Send(protocol.Line("CAL", trid, "RINGING", sbid))
		_ = s.c.Send(protocol.Line("JOI", target, s.nickname(ctx, target)))
		return
	}

	peer := s.db.Lookup(target)
	if peer == nil {
		_ = s.c.Send(protocol.ErrorLine(protocol.CodeUserOffline, trid))
		return
	}

	ticket, err := s.tickets.Issue(target)
	if err != nil {
		s.c.Logger().Error(ctx, "issuing ticket failed", "error", err)
		_ = s.c.Send(protocol.ErrorLine(protocol.CodeInternalError, trid))
		return
	}
	me := s.c.Username()
	ring := protocol.Line("RNG", sbid, s.db.SwitchboardAddr(), "CKI", ticket, me, s.nickname(ctx, me))
	if err := peer.Send(ring); err != nil {
		s.c.Logger().Warn(ctx, "ringing failed", "target", target, "error", err)
		_ = s.c.Send(protocol.ErrorLine(protocol.CodeUserOffline, trid))
		return
	}

	s.mu.Lock()
	s.addParticipant(target)
	s.mu.Unlock()
	_ = s.c.Send(protocol.Line("CAL", trid, "RINGING", sbid))
}

// subscribe records a bridged participant and opens its inbound
// subscription once per remote id. A failed subscription is retried on the
// next CAL.
func (s *Session) subscribe(ctx context.Context, target string) error {
	id := bridge.NormalizeID(protocol.LocalPart(target))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return conn.ErrClosed
	}
	s.addParticipant(target)
	r, ok := s.remotes[id]
	if !ok {
		r = &remotePeer{address: target}
		s.remotes[id] = r
	}
	if r.sub != nil {
		return nil
	}

	sub, err := s.bridge.Subscribe(ctx, id, s.inbound)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// inbound runs on the bridge's goroutine.
func (s *Session) inbound(source, message string) {
	s.mu.Lock()
	r, ok := s.remotes[bridge.NormalizeID(source)]
	closed := s.closed
	s.mu.Unlock()
	if !ok || closed {
		return
	}

	ctx := context.Background()
	from := r.address
	if err := s.c.SendRaw(protocol.InboundMessage(from, s.nickname(ctx, from), message)); err != nil {
		s.c.Logger().Warn(ctx, "inbound message dropped", "from", from, "error", err)
	}
}

func (s *Session) handleMSG(ctx context.Context, cmd dispatch.Command) {
	if len(cmd.Args) < 3 {
		s.c.Logger().Warn(ctx, "malformed command", "command", cmd.String())
		return
	}
	trid, ack := cmd.Args[0], cmd.Args[1]

	msg, err := protocol.ParseMessage(cmd.Payload)
	if err != nil {
		s.c.Logger().Warn(ctx, "malformed message", "error", err)
		return
	}
	if msg.IsControl() {
		return
	}

	s.mu.Lock()
	targets := make([]string, 0, len(s.remotes))
	for id := range s.remotes {
		targets = append(targets, id)
	}
	s.mu.Unlock()
	slices.Sort(targets)

	for _, id := range targets {
		sctx, cancel := context.WithTimeout(ctx, s.BridgeTimeout)
		if err := s.bridge.Send(sctx, id, msg.Body); err != nil {
			s.c.Logger().Warn(ctx, "bridge send failed", "target", id, "error", err)
		}
		cancel()
	}

	if ack != ackNone {
		_ = s.c.Send(protocol.Line("ACK", trid))
	}
}

// teardown releases every bridge subscription. It runs once when the
// connection closes.
func (s *Session) teardown() {
	s.mu.Lock()
	s.closed = true
	remotes := s.remotes
	s.remotes = map[string]*remotePeer{}
	invited := len(s.participants)
	s.mu.Unlock()
	s.forget(s)

	for _, r := range remotes {
		if r.sub != nil {
			r.sub.Close()
		}
	}
	s.c.Logger().Debug(context.Background(), "switchboard session closed", "session", s.id, "participants", invited)
}
