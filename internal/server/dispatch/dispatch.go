// Package dispatch routes protocol commands to handlers. Each connection owns
// a Dispatcher whose table is built up by the stages attached to it: a
// stage patches in its handlers, and a later patch overrides earlier ones
// for the same keyword.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/dmitrijs2005/gophmsn/internal/logging"
)

// ErrorKeyword names the handler run for unknown wire commands.
const ErrorKeyword = "error"

// Command is one parsed protocol line, or an internal command injected by
// another connection.
type Command struct {
	Name string
	Args []string
	// Payload carries the body of MSG commands.
	Payload []byte
	// Internal commands never come from the wire.
	Internal bool
}

// TrID returns the transaction id, the first argument of wire commands.
func (c Command) TrID() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Parse splits a line on whitespace: the first token is the keyword, the
// rest are arguments. It reports false for blank lines.
func Parse(line string) (Command, bool) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return Command{}, false
	}
	return Command{Name: f[0], Args: f[1:]}, true
}

// HandlerFunc handles one command.
type HandlerFunc func(ctx context.Context, cmd Command)

// Table maps keywords to handlers.
type Table map[string]HandlerFunc

// Dispatcher holds a connection's handler tables. Wire and internal commands
// are looked up in separate tables so a client cannot invoke internal ones.
type Dispatcher struct {
	mu       sync.RWMutex
	wire     Table
	internal Table
	logger   logging.Logger
}

func New(logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		wire:     Table{},
		internal: Table{},
		logger:   logger,
	}
}

// Patch merges t into the wire table.
func (d *Dispatcher) Patch(t Table) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, h := range t {
		d.wire[k] = h
	}
}

// PatchInternal merges t into the internal table.
func (d *Dispatcher) PatchInternal(t Table) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, h := range t {
		d.internal[k] = h
	}
}

// Remove drops wire handlers.
func (d *Dispatcher) Remove(names ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range names {
		delete(d.wire, n)
	}
}

// Has reports whether a wire handler is registered for name.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.wire[name]
	return ok
}

// HandleLine parses and handles one wire line.
func (d *Dispatcher) HandleLine(ctx context.Context, line string) {
	cmd, ok := Parse(line)
	if !ok {
		d.logger.Debug(ctx, "empty command ignored")
		return
	}
	d.Handle(ctx, cmd)
}

// Handle runs the handler for cmd. Unknown wire commands go to the
// ErrorKeyword handler when one is installed. A panicking handler is
// recovered and logged.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) {
	d.mu.RLock()
	table := d.wire
	if cmd.Internal {
		table = d.internal
	}
	h, ok := table[cmd.Name]
	var fallback HandlerFunc
	if !ok && !cmd.Internal {
		fallback = d.wire[ErrorKeyword]
	}
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn(ctx, "unknown command", "command", cmd.Name, "internal", cmd.Internal)
		if fallback == nil {
			return
		}
		h = fallback
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "handler panic", "command", cmd.Name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	h(ctx, cmd)
}
