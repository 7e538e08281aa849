package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/gophmsn/internal/logging"
)

var ErrSendFailed = errors.New("bridge send failed")

const defaultRetryInterval = 5 * time.Second

// SignalOptions configures a Signal bridge. Endpoint is the base URL of a
// signal-cli REST relay; Account is the registered number messages are sent
// from.
type SignalOptions struct {
	Endpoint      string
	Account       string
	HTTPClient    *http.Client
	Dialer        *websocket.Dialer
	RetryInterval time.Duration
}

// Signal talks to a signal-cli REST relay: messages go out with POST
// /v2/send and come in over the /v1/receive websocket.
type Signal struct {
	base    *url.URL
	account string
	client  *http.Client
	dialer  *websocket.Dialer
	retry   time.Duration
	logger  logging.Logger

	reg registry

	mu     sync.Mutex
	ws     *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSignal(opts SignalOptions, logger logging.Logger) (*Signal, error) {
	base, err := url.Parse(strings.TrimRight(opts.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("bridge endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("bridge endpoint: unsupported scheme %q", base.Scheme)
	}
	if opts.Account == "" {
		return nil, errors.New("bridge account is required")
	}

	s := &Signal{
		base:    base,
		account: "+" + NormalizeID(opts.Account),
		client:  opts.HTTPClient,
		dialer:  opts.Dialer,
		retry:   opts.RetryInterval,
		logger:  logger.With("module", "bridge"),
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 10 * time.Second}
	}
	if s.dialer == nil {
		s.dialer = websocket.DefaultDialer
	}
	if s.retry <= 0 {
		s.retry = defaultRetryInterval
	}
	return s, nil
}

func (s *Signal) receiveURL() string {
	u := *s.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/v1/receive/" + s.account
	return u.String()
}

// Connect opens the receive stream. A failed or dropped stream is redialled
// every RetryInterval until Close, so an error from the first dial is not
// final.
func (s *Signal) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	ws, err := s.dial(runCtx)
	s.wg.Add(1)
	go s.run(runCtx, ws)
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "bridge connected", "account", s.account)
	return nil
}

func (s *Signal) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := s.dialer.DialContext(ctx, s.receiveURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial receive stream: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		_ = ws.Close()
		return nil, ctx.Err()
	}
	s.ws = ws
	return ws, nil
}

// run reads ws until it drops and then redials. ws is nil when the first
// dial failed.
func (s *Signal) run(ctx context.Context, ws *websocket.Conn) {
	defer s.wg.Done()
	for {
		if ws != nil {
			err := s.read(ws)
			_ = ws.Close()
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn(ctx, "receive stream dropped", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retry):
		}
		var err error
		if ws, err = s.dial(ctx); err != nil {
			s.logger.Warn(ctx, "redial failed", "error", err)
			continue
		}
		s.logger.Info(ctx, "bridge reconnected", "account", s.account)
	}
}

// envelope is the part of a relay event the bridge uses.
type envelope struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceNumber string `json:"sourceNumber"`
		DataMessage  *struct {
			Message string `json:"message"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

func (s *Signal) read(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var ev envelope
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn(context.Background(), "malformed relay event", "error", err)
			continue
		}
		dm := ev.Envelope.DataMessage
		if dm == nil || dm.Message == "" {
			continue
		}
		source := ev.Envelope.SourceNumber
		if source == "" {
			source = ev.Envelope.Source
		}
		if n := s.reg.deliver(source, dm.Message); n == 0 {
			s.logger.Debug(context.Background(), "no subscriber for message", "source", source)
		}
	}
}

func (s *Signal) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	// cancel must precede reading s.ws: a concurrent redial then either
	// installs its stream first or discards it.
	cancel()
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
	s.logger.Info(context.Background(), "bridge closed")
	return nil
}

type sendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

func (s *Signal) Send(ctx context.Context, target, message string) error {
	body, err := json.Marshal(sendRequest{
		Message:    message,
		Number:     s.account,
		Recipients: []string{"+" + NormalizeID(target)},
	})
	if err != nil {
		return err
	}

	u := *s.base
	u.Path += "/v2/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: %s", ErrSendFailed, resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Subscribe registers h whether or not the receive stream is up; messages
// flow once Connect has (re)established it.
func (s *Signal) Subscribe(_ context.Context, remoteID string, h Handler) (Subscription, error) {
	return s.reg.add(remoteID, h), nil
}
