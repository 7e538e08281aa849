// Package bridge connects switchboard sessions to an external messaging
// network. Remote identifiers are the local part of a bridged address with
// any leading '+' removed.
package bridge

import (
	"context"
	"strings"
	"sync"
)

// Handler receives an inbound message. source is a normalized remote id.
type Handler func(source, message string)

type Subscription interface {
	Close()
}

// Bridge is the external network as seen by a switchboard session.
type Bridge interface {
	Connect(ctx context.Context) error
	Close() error
	// Send delivers message to the remote target. Callers only log the
	// result.
	Send(ctx context.Context, target, message string) error
	// Subscribe registers h for messages whose source is remoteID.
	Subscribe(ctx context.Context, remoteID string, h Handler) (Subscription, error)
}

// NormalizeID strips the formatting a remote id may carry.
func NormalizeID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "+")
}

// registry fans inbound messages out to subscribers, keyed by remote id.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

func (r *registry) add(remoteID string, h Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = map[string]map[uint64]Handler{}
	}
	id := NormalizeID(remoteID)
	r.nextID++
	key := r.nextID
	if r.subs[id] == nil {
		r.subs[id] = map[uint64]Handler{}
	}
	r.subs[id][key] = h

	return &subscription{release: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[id], key)
		if len(r.subs[id]) == 0 {
			delete(r.subs, id)
		}
	}}
}

// deliver calls every handler subscribed to source. Handlers run outside
// the registry lock.
func (r *registry) deliver(source, message string) int {
	id := NormalizeID(source)
	r.mu.Lock()
	hs := make([]Handler, 0, len(r.subs[id]))
	for _, h := range r.subs[id] {
		hs = append(hs, h)
	}
	r.mu.Unlock()

	for _, h := range hs {
		h(id, message)
	}
	return len(hs)
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.subs {
		n += len(m)
	}
	return n
}

type subscription struct {
	once    sync.Once
	release func()
}

func (s *subscription) Close() {
	s.once.Do(s.release)
}
