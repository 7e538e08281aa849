package bridge

import (
	"context"
	"sync"
)

// Sent is a message handed to Loopback.Send.
type Sent struct {
	Target  string
	Message string
}

// Loopback is an in-process Bridge. It records outbound messages and lets
// the caller inject inbound ones with Deliver. With Echo set every sent
// message comes straight back from its target.
type Loopback struct {
	Echo bool
	// SendErr, when set, is returned by Send.
	SendErr error
	// SubscribeErr, when set, is returned by Subscribe.
	SubscribeErr error

	reg  registry
	mu   sync.Mutex
	sent []Sent
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

func (l *Loopback) Connect(context.Context) error { return nil }
func (l *Loopback) Close() error                  { return nil }

func (l *Loopback) Send(_ context.Context, target, message string) error {
	l.mu.Lock()
	l.sent = append(l.sent, Sent{Target: NormalizeID(target), Message: message})
	err := l.SendErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if l.Echo {
		l.reg.deliver(target, message)
	}
	return nil
}

func (l *Loopback) Subscribe(_ context.Context, remoteID string, h Handler) (Subscription, error) {
	l.mu.Lock()
	err := l.SubscribeErr
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return l.reg.add(remoteID, h), nil
}

// Deliver injects an inbound message and reports how many subscribers got it.
func (l *Loopback) Deliver(source, message string) int {
	return l.reg.deliver(source, message)
}

// Sent returns a copy of everything sent so far.
func (l *Loopback) Sent() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Sent, len(l.sent))
	copy(out, l.sent)
	return out
}

// Subscribers counts live subscriptions.
func (l *Loopback) Subscribers() int {
	return l.reg.count()
}
