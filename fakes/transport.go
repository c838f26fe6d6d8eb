package fakes

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/notify"
)

var ErrInjected = errors.New("injected failure")

// Transport is an in-memory notify.Transport.  Tests push events through
// the connections it hands out.
type Transport struct {
	mu       sync.Mutex
	conns    map[model.Target][]*Conn
	failures map[model.Target]int
	attempts map[model.Target]int

	// Gate, if set, holds every Connect until something is received from
	// it.  Connect ignores cancellation while held, like a dial that is
	// already on the wire.
	Gate chan struct{}

	// Connected receives every new connection.
	Connected chan *Conn
}

var _ notify.Transport = (*Transport)(nil)

func NewTransport() *Transport {
	return &Transport{
		conns:     make(map[model.Target][]*Conn),
		failures:  make(map[model.Target]int),
		attempts:  make(map[model.Target]int),
		Connected: make(chan *Conn, 16),
	}
}

// FailNext makes the next n connects to target fail.
func (t *Transport) FailNext(target model.Target, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[target] += n
}

// Attempts counts Connect calls for target.
func (t *Transport) Attempts(target model.Target) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[target]
}

// Conns lists every connection made to target, oldest first.
func (t *Transport) Conns(target model.Target) []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.conns[target])
}

func (t *Transport) Connect(ctx context.Context, target model.Target, drives []model.DriveScope, refID string) (notify.Connection, error) {
	if t.Gate != nil {
		<-t.Gate
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.attempts[target]++
	if t.failures[target] > 0 {
		t.failures[target]--
		t.mu.Unlock()
		return nil, ErrInjected
	}
	c := &Conn{
		Target: target,
		Drives: slices.Clone(drives),
		RefID:  refID,
		events: make(chan model.NotificationEvent, 64),
		Sent:   make(chan model.Command, 64),
	}
	t.conns[target] = append(t.conns[target], c)
	t.mu.Unlock()

	select {
	case t.Connected <- c:
	default:
	}
	return c, nil
}

// Conn is a fake push connection.
type Conn struct {
	Target model.Target
	Drives []model.DriveScope
	RefID  string

	// Sent receives every command sent on the connection.
	Sent chan model.Command

	mu     sync.Mutex
	events chan model.NotificationEvent
	ended  bool
	closed bool
	err    error
}

func (c *Conn) Events() <-chan model.NotificationEvent {
	return c.events
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Push delivers an event.  It reports false if the connection has ended.
func (c *Conn) Push(ev model.NotificationEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.events <- ev
	return true
}

// Drop ends the connection from the far side.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked(err)
}

func (c *Conn) endLocked(err error) {
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.events)
}

func (c *Conn) Send(ctx context.Context, cmd model.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return errors.New("connection closed")
	}
	select {
	case c.Sent <- cmd:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.endLocked(errors.New("closed"))
	return nil
}

// Closed reports whether the client side closed the connection.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
