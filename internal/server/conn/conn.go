// Package conn implements one client connection: CRLF line framing with
// length-prefixed MSG payloads, a bounded outbound queue drained by a writer
// goroutine, a bounded inbox for commands injected by other connections, and
// a worker that feeds both into the connection's dispatcher.
package conn

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/gophmsn/internal/logging"
	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/dispatch"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrBackpressure = errors.New("inbox full")
	ErrSendTimeout  = errors.New("send timed out")
	ErrUsernameSet  = errors.New("username already bound")
)

// Options bounds the per-connection resources.
type Options struct {
	OutboundQueue int
	InboxQueue    int
	// SendTimeout is how long a sender waits on a full outbound queue before
	// the connection is dropped as a slow consumer.
	SendTimeout time.Duration
	MaxLine     int
	MaxPayload  int
}

func (o Options) withDefaults() Options {
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 256
	}
	if o.InboxQueue <= 0 {
		o.InboxQueue = 64
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.MaxLine <= 0 {
		o.MaxLine = 4096
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = 64 << 10
	}
	return o
}

// Stage installs a set of handlers on a connection.
type Stage interface {
	Attach(c *Conn)
}

// StageFunc adapts a function to Stage.
type StageFunc func(c *Conn)

func (f StageFunc) Attach(c *Conn) { f(c) }

// Conn is a live client connection.
type Conn struct {
	id     string
	nc     net.Conn
	opts   Options
	d      *dispatch.Dispatcher
	logger logging.Logger

	out   chan []byte
	inbox chan dispatch.Command
	lines chan dispatch.Command
	done  chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup

	mu       sync.Mutex
	username string
	status   string
	variant  string
	hooks    []func()
}

// New wraps nc. The base handlers (error reply and OUT) are installed first,
// then the given stages in order.
func New(nc net.Conn, logger logging.Logger, opts Options, stages ...Stage) *Conn {
	opts = opts.withDefaults()
	id := uuid.NewString()
	l := logger.With("conn", id, "remote", nc.RemoteAddr().String())

	c := &Conn{
		id:     id,
		nc:     nc,
		opts:   opts,
		d:      dispatch.New(l),
		logger: l,
		out:    make(chan []byte, opts.OutboundQueue),
		inbox:  make(chan dispatch.Command, opts.InboxQueue),
		lines:  make(chan dispatch.Command),
		done:   make(chan struct{}),
		status: protocol.StatusOffline,
	}

	c.d.Patch(dispatch.Table{
		dispatch.ErrorKeyword: c.handleError,
		"OUT":                 c.handleOut,
	})
	for _, s := range stages {
		s.Attach(c)
	}
	return c
}

func (c *Conn) ID() string                       { return c.id }
func (c *Conn) Logger() logging.Logger           { return c.logger }
func (c *Conn) Dispatcher() *dispatch.Dispatcher { return c.d }
func (c *Conn) Done() <-chan struct{}            { return c.done }
func (c *Conn) Closed() bool                     { return c.closed.Load() }

// Username is empty until a login binds one.
func (c *Conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// BindUsername sets the username. Only one username ever binds.
func (c *Conn) BindUsername(u string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.username != "" {
		return ErrUsernameSet
	}
	c.username = u
	return nil
}

func (c *Conn) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) SetStatus(s string) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Variant is the protocol variant negotiated with VER.
func (c *Conn) Variant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.variant
}

func (c *Conn) SetVariant(v string) {
	c.mu.Lock()
	c.variant = v
	c.mu.Unlock()
}

// OnClose registers fn to run once the connection is closed.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Send queues one line; CRLF is appended.
func (c *Conn) Send(line string) error {
	c.logger.Debug(context.Background(), "send", "line", line)
	return c.enqueue([]byte(line + protocol.CRLF))
}

// SendLines queues several lines as a single write.
func (c *Conn) SendLines(lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	var b strings.Builder
	for _, l := range lines {
		c.logger.Debug(context.Background(), "send", "line", l)
		b.WriteString(l)
		b.WriteString(protocol.CRLF)
	}
	return c.enqueue([]byte(b.String()))
}

// SendRaw queues bytes exactly as given.
func (c *Conn) SendRaw(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return c.enqueue(b)
}

func (c *Conn) enqueue(b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.out <- b:
		return nil
	default:
	}

	t := time.NewTimer(c.opts.SendTimeout)
	defer t.Stop()
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return ErrClosed
	case <-t.C:
		c.logger.Warn(context.Background(), "outbound queue full, dropping slow connection")
		c.Close()
		return ErrSendTimeout
	}
}

// Tell injects an internal command. It never blocks.
func (c *Conn) Tell(name string, args ...string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.inbox <- dispatch.Command{Name: name, Args: args, Internal: true}:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close tears the connection down and runs the close hooks. It is safe to
// call more than once and from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.nc.Close()

		c.mu.Lock()
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()
		for _, h := range hooks {
			h()
		}
		c.logger.Debug(context.Background(), "connection closed")
	})
}

// CloseGracefully closes the connection once everything queued so far has
// been written.
func (c *Conn) CloseGracefully() {
	if err := c.enqueue(nil); err != nil {
		c.Close()
	}
}

// Serve runs the connection until it is closed or ctx is cancelled.
func (c *Conn) Serve(ctx context.Context) error {
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	defer c.wg.Wait()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case cmd := <-c.lines:
			c.d.Handle(ctx, cmd)
		case cmd := <-c.inbox:
			c.d.Handle(ctx, cmd)
		}
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer c.Close()

	ctx := context.Background()
	r := bufio.NewReaderSize(c.nc, c.opts.MaxLine)
	// skipping is set while the rest of an over-long line is discarded.
	skipping := false
	for {
		raw, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !skipping {
				c.logger.Warn(ctx, "line too long, dropped", "limit", c.opts.MaxLine)
				skipping = true
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				c.logger.Debug(ctx, "read failed", "error", err)
			}
			return
		}
		if skipping {
			skipping = false
			continue
		}
		line := strings.TrimRight(string(raw), "\r\n")
		c.logger.Debug(ctx, "recv", "line", line)

		cmd, ok := dispatch.Parse(line)
		if !ok {
			c.logger.Debug(ctx, "empty command ignored")
			continue
		}
		if cmd.Name == "MSG" {
			payload, err := c.readPayload(r, cmd)
			if err != nil {
				c.logger.Warn(ctx, "bad MSG payload", "error", err)
				return
			}
			cmd.Payload = payload
		}

		select {
		case c.lines <- cmd:
		case <-c.done:
			return
		}
	}
}

// readPayload reads the body announced by the last argument of MSG.
func (c *Conn) readPayload(r *bufio.Reader, cmd dispatch.Command) ([]byte, error) {
	if len(cmd.Args) == 0 {
		return nil, errors.New("missing length")
	}
	n, err := strconv.Atoi(cmd.Args[len(cmd.Args)-1])
	if err != nil || n < 0 {
		return nil, errors.New("invalid length")
	}
	if n > c.opts.MaxPayload {
		return nil, errors.New("payload too large")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			if b == nil {
				c.Close()
				return
			}
			if _, err := c.nc.Write(b); err != nil {
				if !c.closed.Load() {
					c.logger.Debug(context.Background(), "write failed", "error", err)
				}
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) handleError(ctx context.Context, cmd dispatch.Command) {
	_ = c.Send(protocol.ErrorLine(protocol.CodeSyntaxError, cmd.TrID()))
}

func (c *Conn) handleOut(ctx context.Context, cmd dispatch.Command) {
	_ = c.Send("OUT")
	c.CloseGracefully()
}
