package contactdb

import "sync"

// presence maps usernames to their live connection. It has its own lock so
// that status lookups never wait behind a record write.
type presence struct {
	mu    sync.RWMutex
	peers map[string]Peer
	sb    string
}

// Bind makes p the connection of username, replacing any previous one.
func (s *Store) Bind(username string, p Peer) {
	s.presence.mu.Lock()
	defer s.presence.mu.Unlock()
	s.presence.peers[username] = p
}

// Lookup returns the live connection of username, or nil when the user has
// none or it has been closed.
func (s *Store) Lookup(username string) Peer {
	s.presence.mu.RLock()
	p, ok := s.presence.peers[username]
	s.presence.mu.RUnlock()
	if !ok || p == nil || p.Closed() {
		return nil
	}
	return p
}

// Unbind clears the binding of username if it still points at p. A newer
// login is left alone.
func (s *Store) Unbind(username string, p Peer) {
	s.presence.mu.Lock()
	defer s.presence.mu.Unlock()
	if cur, ok := s.presence.peers[username]; ok && cur == p {
		delete(s.presence.peers, username)
	}
}

// SetSwitchboardAddr records the host:port handed out in XFR and RNG.
func (s *Store) SetSwitchboardAddr(addr string) {
	s.presence.mu.Lock()
	defer s.presence.mu.Unlock()
	s.presence.sb = addr
}

func (s *Store) SwitchboardAddr() string {
	s.presence.mu.RLock()
	defer s.presence.mu.RUnlock()
	return s.presence.sb
}
