/*
Package transport is the websocket push connection to a node.

A connection starts with a handshake naming the drives to watch and a
reference id, then carries notification frames from the node and the odd
command (processInbox, ping) back.  Frames are decoded to typed events
here and nowhere else.
*/
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/ts4z/feedsync/dep"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/notify"
)

const EventBufferSize = 32

type Settings struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	// BatchSize is sent in the handshake as the node's default inbox batch.
	BatchSize int
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      45 * time.Second,
		BatchSize:        notify.DefaultInboxBatchSize,
	}
}

type Config struct {
	Identity *model.Identity
	Settings *Settings
	Clock    clockwork.Clock
	// Endpoint maps a target to its websocket URL.  Defaults to
	// DefaultEndpoint.
	Endpoint func(model.Target) string
	Dialer   *websocket.Dialer
}

// DefaultEndpoint is the owner endpoint on the local node and the guest
// endpoint on a peer.
func DefaultEndpoint(localNode string) func(model.Target) string {
	return func(t model.Target) string {
		if t.IsLocal() {
			return (&url.URL{Scheme: "wss", Host: localNode, Path: "/api/owner/v1/notify/ws"}).String()
		}
		return (&url.URL{Scheme: "wss", Host: t.Peer, Path: "/api/guest/v1/notify/ws"}).String()
	}
}

type Transport struct {
	identity *model.Identity
	settings *Settings
	clock    clockwork.Clock
	endpoint func(model.Target) string
	dialer   *websocket.Dialer
}

var _ notify.Transport = (*Transport)(nil)

func New(cf *Config) *Transport {
	identity := dep.Required(cf.Identity)
	t := &Transport{
		identity: identity,
		settings: dep.Default(cf.Settings, DefaultSettings()),
		clock:    dep.Default(cf.Clock, clockwork.NewRealClock()),
		endpoint: cf.Endpoint,
		dialer:   dep.Default(cf.Dialer, websocket.DefaultDialer),
	}
	if t.endpoint == nil {
		t.endpoint = DefaultEndpoint(identity.LocalNode)
	}
	return t
}

// Connect dials target, performs the handshake, and starts reading.
func (t *Transport) Connect(ctx context.Context, target model.Target, drives []model.DriveScope, refID string) (notify.Connection, error) {
	u := t.endpoint(target)
	ws, _, err := t.dialer.DialContext(ctx, u, t.identity.Header())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	if err := t.handshake(ws, drives, refID); err != nil {
		return nil, fmt.Errorf("handshake with %s: %w", target, err)
	}
	success = true

	cctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		target:   target,
		ws:       ws,
		settings: t.settings,
		clock:    t.clock,
		events:   make(chan model.NotificationEvent, EventBufferSize),
		ctx:      cctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// deadline is d from now on the wall clock.  The socket measures its
// deadlines against real time whatever clock the transport was given.
func deadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}

func (t *Transport) handshake(ws *websocket.Conn, drives []model.DriveScope, refID string) error {
	until := deadline(t.settings.HandshakeTimeout)
	ws.SetWriteDeadline(until)
	req := outbound{
		Command: commandEstablish,
		Data: establishData{
			Drives:    drives,
			RefID:     refID,
			BatchSize: t.settings.BatchSize,
		},
	}
	if err := ws.WriteJSON(req); err != nil {
		return err
	}

	ws.SetReadDeadline(until)
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		_, ctl, err := decode(frame)
		switch {
		case err != nil:
			return err
		case ctl == controlHandshake:
			return nil
		case ctl == controlPong:
			continue
		default:
			// Events before the handshake completes are the node's
			// problem; we haven't told anyone we're listening yet.
			log.Printf("transport: dropping pre-handshake frame")
		}
	}
}

type conn struct {
	target   model.Target
	ws       *websocket.Conn
	settings *Settings
	clock    clockwork.Clock
	events   chan model.NotificationEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func (c *conn) Events() <-chan model.NotificationEvent {
	return c.events
}

func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.cancel()
}

func (c *conn) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		c.ws.SetReadDeadline(deadline(c.settings.ReadTimeout))
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		ev, ctl, err := decode(frame)
		if err != nil {
			if ctl == controlError {
				c.fail(err)
				return
			}
			log.Printf("transport: %s: %v", c.target, err)
			continue
		}
		if ctl != notControl {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) pingLoop() {
	ticker := c.clock.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.Chan():
			if err := c.write(c.ctx, outbound{Command: commandPing}); err != nil {
				c.fail(fmt.Errorf("ping: %w", err))
				c.ws.Close()
				return
			}
		}
	}
}

func (c *conn) write(ctx context.Context, msg outbound) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	until := deadline(c.settings.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(until) {
		until = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ctx.Err() != nil {
		return errors.New("connection closed")
	}
	c.ws.SetWriteDeadline(until)
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) Send(ctx context.Context, cmd model.Command) error {
	switch cmd.Name {
	case model.CommandProcessInbox:
		return c.write(ctx, outbound{
			Command: cmd.Name,
			Data:    processInboxData{TargetDrive: cmd.Drive, BatchSize: cmd.BatchSize},
		})
	default:
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
}

// Close shuts the socket and waits for the reader to finish.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.fail(errors.New("closed"))
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(deadline(c.settings.WriteTimeout))
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
		<-c.done
	})
	return err
}
