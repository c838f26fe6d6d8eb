/*
Package inbox pulls queued items off a node's per-drive inboxes.

Push notifications only say that an inbox has something in it.  Draining
is what actually moves the items, so the drainer runs once per drive at
startup and again whenever the subscriber sees inboxItemReceived for a
local drive.  Draining an empty inbox does nothing and is not an error.
*/
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ts4z/feedsync/dep"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/notify"
	"github.com/ts4z/feedsync/varz"
)

const (
	DefaultBatchSize = notify.DefaultInboxBatchSize
	DefaultTimeout   = 10 * time.Second
	DefaultMaxRounds = 10
)

var (
	drains        = varz.NewInt("drains")
	drainFailures = varz.NewInt("drainFailures")
	itemsPopped   = varz.NewInt("itemsPopped")
)

// Processor asks a node to process one batch from a drive's inbox.
// query.Client implements this.
type Processor interface {
	ProcessInbox(ctx context.Context, drive model.DriveScope, batchSize int) (model.InboxStatus, error)
}

type Config struct {
	Processor Processor
	BatchSize int
	// Timeout bounds one Drain, all rounds included.
	Timeout   time.Duration
	MaxRounds int
}

// Result totals one Drain.
type Result struct {
	Popped    int
	Remaining int
	Rounds    int
}

type Drainer struct {
	processor Processor
	batchSize int
	timeout   time.Duration
	maxRounds int

	mu       sync.Mutex
	started  map[model.DriveScope]bool
	inflight map[model.DriveScope]bool
	again    map[model.DriveScope]bool
	wg       sync.WaitGroup
}

var _ notify.Trigger = (*Drainer)(nil)

func New(cf *Config) *Drainer {
	d := &Drainer{
		processor: dep.Required(cf.Processor),
		batchSize: cf.BatchSize,
		timeout:   cf.Timeout,
		maxRounds: cf.MaxRounds,
		started:   make(map[model.DriveScope]bool),
		inflight:  make(map[model.DriveScope]bool),
		again:     make(map[model.DriveScope]bool),
	}
	if d.batchSize <= 0 {
		d.batchSize = DefaultBatchSize
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.maxRounds <= 0 {
		d.maxRounds = DefaultMaxRounds
	}
	return d
}

// Drain processes drive's inbox until a round comes back short of a full
// batch with nothing remaining, or MaxRounds is reached.
func (d *Drainer) Drain(ctx context.Context, drive model.DriveScope) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	drains.Add(1)

	var res Result
	for res.Rounds < d.maxRounds {
		st, err := d.processor.ProcessInbox(ctx, drive, d.batchSize)
		if err != nil {
			drainFailures.Add(1)
			return res, fmt.Errorf("drain %s after %d rounds: %w", drive, res.Rounds, err)
		}
		res.Rounds++
		res.Popped += st.Popped
		res.Remaining = st.Remaining
		itemsPopped.Add(int64(st.Popped))
		if st.Popped == 0 || (st.Popped < d.batchSize && st.Remaining == 0) {
			break
		}
	}
	if res.Popped > 0 {
		log.Printf("inbox: drained %d from %s in %d rounds (%d left)", res.Popped, drive, res.Rounds, res.Remaining)
	}
	return res, nil
}

// DrainAll drains every drive concurrently.  A failing or slow drive
// doesn't hold up the others; its error comes back keyed by drive.
func (d *Drainer) DrainAll(ctx context.Context, drives []model.DriveScope) map[model.DriveScope]error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs = make(map[model.DriveScope]error)
	)
	for _, drive := range drives {
		g.Go(func() error {
			_, err := d.Drain(ctx, drive)
			if err != nil {
				log.Printf("inbox: %v", err)
				mu.Lock()
				errs[drive] = err
				mu.Unlock()
			}
			// Never fail the group; a sibling's error must not
			// cancel anything.
			return nil
		})
	}
	g.Wait()
	return errs
}

// Startup drains each drive the first time it is seen.  Drives already
// drained by an earlier Startup are skipped.
func (d *Drainer) Startup(ctx context.Context, drives []model.DriveScope) map[model.DriveScope]error {
	d.mu.Lock()
	var todo []model.DriveScope
	for _, drive := range drives {
		if !d.started[drive] {
			d.started[drive] = true
			todo = append(todo, drive)
		}
	}
	d.mu.Unlock()
	if len(todo) == 0 {
		return nil
	}
	log.Printf("inbox: startup drain of %d drives", len(todo))
	return d.DrainAll(ctx, todo)
}

// TriggerDrain starts a background drain of drive.  If one is already
// running, one more is run after it finishes, so an item that arrived
// mid-drain isn't missed.  The drain outlives ctx's cancellation.
func (d *Drainer) TriggerDrain(ctx context.Context, drive model.DriveScope) {
	d.mu.Lock()
	if d.inflight[drive] {
		d.again[drive] = true
		d.mu.Unlock()
		return
	}
	d.inflight[drive] = true
	d.wg.Add(1)
	d.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		for {
			if _, err := d.Drain(detached, drive); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("inbox: triggered %v", err)
			}
			d.mu.Lock()
			if !d.again[drive] {
				delete(d.inflight, drive)
				d.mu.Unlock()
				return
			}
			delete(d.again, drive)
			d.mu.Unlock()
		}
	}()
}

// Wait blocks until every triggered drain has finished.
func (d *Drainer) Wait() {
	d.wg.Wait()
}
