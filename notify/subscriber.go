/*
Package notify keeps push connections to nodes and hands their events out
to registered handlers.

There is one connection loop per target (the local node or one peer).  The
loop owns dialing, redialing with backoff, and teardown, so there is never
more than one attempt in flight for a target.  Handlers come and go through
Register; the last Unregister for a target stops its loop.

Push only says that something happened.  An inboxItemReceived event in
particular carries nothing; the subscriber answers it by asking the node to
process its inbox, and for the local node also pokes the local drainer.
*/
package notify

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/ts4z/feedsync/dep"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/varz"
)

const (
	// DefaultInboxBatchSize is how many items a processInbox command asks
	// the node to handle.
	DefaultInboxBatchSize = 100

	DefaultReconnectMin = time.Second
	DefaultReconnectMax = 30 * time.Second

	sendTimeout = 10 * time.Second
)

var (
	connects         = varz.NewInt("connects")
	connectFailures  = varz.NewInt("connectFailures")
	eventsReceived   = varz.NewInt("eventsReceived")
	handlerPanics    = varz.NewInt("handlerPanics")
	inboxCommands    = varz.NewInt("inboxCommands")
	connectionStates = varz.NewMap("connectionStates")
)

// Connection is one live push connection.
type Connection interface {
	// Events is closed when the connection ends.
	Events() <-chan model.NotificationEvent
	// Err says why Events was closed.
	Err() error
	Send(ctx context.Context, cmd model.Command) error
	Close() error
}

// Transport dials push connections.
type Transport interface {
	Connect(ctx context.Context, target model.Target, drives []model.DriveScope, refID string) (Connection, error)
}

// Trigger starts a local inbox drain.  inbox.Drainer implements this.
type Trigger interface {
	TriggerDrain(ctx context.Context, drive model.DriveScope)
}

type Handler func(ctx context.Context, ev model.NotificationEvent)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Config struct {
	Transport Transport
	Clock     clockwork.Clock
	// Trigger is optional.
	Trigger      Trigger
	BatchSize    int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type handlerEntry struct {
	drives  []model.DriveScope
	filter  model.TypeFilter
	handler Handler
}

type targetLoop struct {
	target model.Target
	ctx    context.Context
	cancel context.CancelFunc
	// previous is the done channel of a loop for the same target that is
	// still shutting down; we don't dial until it has.
	previous <-chan struct{}
	done     chan struct{}

	// Guarded by Subscriber.mu.
	handlers   map[int]*handlerEntry
	subscribed []model.DriveScope
	state      State

	resubscribe chan struct{}
}

type Subscriber struct {
	transport    Transport
	clock        clockwork.Clock
	trigger      Trigger
	batchSize    int
	reconnectMin time.Duration
	reconnectMax time.Duration

	mu       sync.Mutex
	targets  map[model.Target]*targetLoop
	stopping map[model.Target]<-chan struct{}
	nextID   int
	closed   bool
}

func NewSubscriber(cf *Config) *Subscriber {
	s := &Subscriber{
		transport:    dep.Required(cf.Transport),
		clock:        dep.Default(cf.Clock, clockwork.NewRealClock()),
		trigger:      cf.Trigger,
		batchSize:    cf.BatchSize,
		reconnectMin: cf.ReconnectMin,
		reconnectMax: cf.ReconnectMax,
		targets:      make(map[model.Target]*targetLoop),
		stopping:     make(map[model.Target]<-chan struct{}),
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultInboxBatchSize
	}
	if s.reconnectMin <= 0 {
		s.reconnectMin = DefaultReconnectMin
	}
	if s.reconnectMax < s.reconnectMin {
		s.reconnectMax = max(DefaultReconnectMax, s.reconnectMin)
	}
	return s
}

// Registration is returned by Register.
type Registration struct {
	s      *Subscriber
	target model.Target
	id     int
	once   sync.Once
}

// Unregister removes the handler.  If it was the last one for its target,
// the target's connection is torn down.  Safe to call more than once.
func (r *Registration) Unregister() {
	r.once.Do(func() { r.s.unregister(r.target, r.id) })
}

// Register starts delivering events from target to handler.  Only events
// whose type passes filter (empty passes all) and whose drive is one of
// drives are delivered; events that carry no drive go to everyone whose
// filter allows them.
func (s *Subscriber) Register(target model.Target, drives []model.DriveScope, filter model.TypeFilter, handler Handler) *Registration {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	reg := &Registration{s: s, target: target, id: id}
	if s.closed {
		log.Printf("notify: register for %s after close, ignoring", target)
		return reg
	}

	loop, ok := s.targets[target]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		loop = &targetLoop{
			target:      target,
			ctx:         ctx,
			cancel:      cancel,
			previous:    s.stopping[target],
			done:        make(chan struct{}),
			handlers:    make(map[int]*handlerEntry),
			resubscribe: make(chan struct{}, 1),
		}
		s.targets[target] = loop
		s.setStateLocked(loop, Disconnected)
		go s.run(loop)
	}

	loop.handlers[id] = &handlerEntry{
		drives:  slices.Clone(drives),
		filter:  slices.Clone(filter),
		handler: handler,
	}

	if ok && loop.state != Disconnected && !covers(loop.subscribed, drives) {
		// Coalesced: the channel holds at most one pending request.
		select {
		case loop.resubscribe <- struct{}{}:
		default:
		}
	}
	return reg
}

func (s *Subscriber) unregister(target model.Target, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loop, ok := s.targets[target]
	if !ok {
		return
	}
	if _, ok := loop.handlers[id]; !ok {
		return
	}
	delete(loop.handlers, id)
	if len(loop.handlers) > 0 {
		return
	}
	log.Printf("notify: last handler for %s gone, closing", target)
	delete(s.targets, target)
	s.stopping[target] = loop.done
	loop.cancel()
	go func() {
		<-loop.done
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopping[target] == loop.done {
			delete(s.stopping, target)
		}
	}()
}

// State reports the connection state for target.  Targets nobody is
// registered for are Disconnected.
func (s *Subscriber) State(target model.Target) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loop, ok := s.targets[target]; ok {
		return loop.state
	}
	return Disconnected
}

// Close stops every connection and waits for the loops to exit.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	var waits []<-chan struct{}
	for t, loop := range s.targets {
		loop.cancel()
		waits = append(waits, loop.done)
		delete(s.targets, t)
	}
	for _, done := range s.stopping {
		waits = append(waits, done)
	}
	s.mu.Unlock()
	for _, done := range waits {
		<-done
	}
}

func (s *Subscriber) setStateLocked(loop *targetLoop, st State) {
	loop.state = st
	connectionStates.Set(loop.target.String(), stateVar(st))
}

func (s *Subscriber) setState(loop *targetLoop, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(loop, st)
}

// drives returns the union of drives the loop's handlers want, and records
// it as what the next connection will subscribe to.
func (s *Subscriber) drives(loop *targetLoop) []model.DriveScope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DriveScope
	for _, h := range loop.handlers {
		for _, d := range h.drives {
			if !slices.Contains(out, d) {
				out = append(out, d)
			}
		}
	}
	slices.SortFunc(out, func(a, b model.DriveScope) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	loop.subscribed = out
	return out
}

type endReason int

const (
	endCancelled endReason = iota
	endLost
	endResubscribe
)

func (s *Subscriber) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.reconnectMin
	b.MaxInterval = s.reconnectMax
	b.Reset()
	return b
}

func (s *Subscriber) run(loop *targetLoop) {
	defer close(loop.done)
	defer s.setState(loop, Disconnected)

	if loop.previous != nil {
		select {
		case <-loop.previous:
		case <-loop.ctx.Done():
			return
		}
	}

	b := s.newBackOff()
	for {
		if loop.ctx.Err() != nil {
			return
		}

		// A request that arrives while we're about to dial is already
		// satisfied by this dial.
		select {
		case <-loop.resubscribe:
		default:
		}

		drives := s.drives(loop)
		refID := ulid.Make().String()
		s.setState(loop, Connecting)
		conn, err := s.transport.Connect(loop.ctx, loop.target, drives, refID)
		if err != nil {
			connectFailures.Add(1)
			s.setState(loop, Disconnected)
			if loop.ctx.Err() != nil {
				return
			}
			delay := min(b.NextBackOff(), s.reconnectMax)
			log.Printf("notify: can't connect to %s, retrying in %v: %v", loop.target, delay, err)
			if !s.sleep(loop.ctx, delay) {
				return
			}
			continue
		}
		if loop.ctx.Err() != nil {
			// Torn down while we were dialing.
			conn.Close()
			return
		}

		connects.Add(1)
		b.Reset()
		s.setState(loop, Connected)
		log.Printf("notify: connected to %s (ref %s, %d drives)", loop.target, refID, len(drives))

		reason := s.serve(loop, conn)
		if err := conn.Close(); err != nil {
			log.Printf("notify: closing connection to %s: %v", loop.target, err)
		}
		s.setState(loop, Disconnected)

		switch reason {
		case endCancelled:
			return
		case endResubscribe:
			log.Printf("notify: drive set for %s changed, reconnecting", loop.target)
			continue
		case endLost:
			delay := min(b.NextBackOff(), s.reconnectMax)
			log.Printf("notify: lost %s, reconnecting in %v: %v", loop.target, delay, conn.Err())
			if !s.sleep(loop.ctx, delay) {
				return
			}
		}
	}
}

func (s *Subscriber) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}

func (s *Subscriber) serve(loop *targetLoop, conn Connection) endReason {
	events := conn.Events()
	for {
		select {
		case <-loop.ctx.Done():
			return endCancelled
		case <-loop.resubscribe:
			return endResubscribe
		case ev, ok := <-events:
			if !ok {
				return endLost
			}
			eventsReceived.Add(1)
			s.dispatch(loop, conn, ev)
		}
	}
}

func (s *Subscriber) dispatch(loop *targetLoop, conn Connection, ev model.NotificationEvent) {
	if inbox, ok := ev.(model.InboxItemReceived); ok {
		s.interceptInbox(loop, conn, inbox)
	}

	s.mu.Lock()
	ids := make([]int, 0, len(loop.handlers))
	for id := range loop.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var targets []*handlerEntry
	for _, id := range ids {
		h := loop.handlers[id]
		if h.wants(ev) {
			targets = append(targets, h)
		}
	}
	s.mu.Unlock()

	for _, h := range targets {
		s.call(loop, h, ev)
	}
}

func (s *Subscriber) call(loop *targetLoop, h *handlerEntry, ev model.NotificationEvent) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanics.Add(1)
			log.Printf("notify: handler for %s panicked on %s: %v", loop.target, ev.Type(), r)
		}
	}()
	h.handler(loop.ctx, ev)
}

func (s *Subscriber) interceptInbox(loop *targetLoop, conn Connection, ev model.InboxItemReceived) {
	inboxCommands.Add(1)
	cmd := model.ProcessInbox(ev.Drive, s.batchSize)
	go func() {
		ctx, cancel := context.WithTimeout(loop.ctx, sendTimeout)
		defer cancel()
		if err := conn.Send(ctx, cmd); err != nil {
			log.Printf("notify: can't send %s for %s to %s: %v", cmd.Name, ev.Drive, loop.target, err)
		}
	}()
	if s.trigger != nil && loop.target.IsLocal() {
		go s.trigger.TriggerDrain(loop.ctx, ev.Drive)
	}
}

func (h *handlerEntry) wants(ev model.NotificationEvent) bool {
	if !h.filter.Allows(ev.Type()) {
		return false
	}
	scope := ev.Scope()
	if scope.IsZero() || len(h.drives) == 0 {
		return true
	}
	return slices.Contains(h.drives, scope)
}

func covers(have, want []model.DriveScope) bool {
	for _, d := range want {
		if !slices.Contains(have, d) {
			return false
		}
	}
	return true
}
