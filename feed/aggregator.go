/*
Package feed merges pages from several sources into one cursor-addressed
feed.

Each source keeps its own cursor: the source's continuation token plus the
last item handed out from it.  A page re-reads every live source's current
batch, drops everything at or ahead of that item in feed order, merges
newest first, and keeps the first PageSize.  Positions are never trusted,
since a batch can gain or lose items between pages.  Whatever was
not delivered stays behind the source's cursor for the next page; nothing
is carried over in memory, so a page may come back short while the feed
is not done.

Reads are stale-while-revalidate.  A cached page is served even when
stale, and a stale one is refreshed in the background.  Query.ForceFresh
skips the cache.
*/
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ts4z/feedsync/cachestore"
	"github.com/ts4z/feedsync/dep"
	"github.com/ts4z/feedsync/errs"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/varz"
)

const (
	DefaultPageSize     = 10
	DefaultFetchTimeout = 8 * time.Second
	DefaultRefreshDelay = 500 * time.Millisecond

	revalidateTimeout = 30 * time.Second
)

var (
	pagesServed      = varz.NewInt("pagesServed")
	pageCacheHits    = varz.NewInt("pageCacheHits")
	pagesSuperseded  = varz.NewInt("pagesSuperseded")
	revalidations    = varz.NewInt("revalidations")
	fallbacksServed  = varz.NewInt("fallbacksServed")
	refreshes        = varz.NewInt("refreshes")
	sourceFailures   = varz.NewMap("sourceFailures")
	cursorRestarts   = varz.NewInt("cursorRestarts")
	allSourcesFailed = varz.NewInt("allSourcesFailed")
)

type Config struct {
	Store    *cachestore.Store
	Resolver Resolver
	Codec    *CursorCodec
	Clock    clockwork.Clock

	PageSize     int
	FetchTimeout time.Duration
	// RefreshDelay is how long after an anonymous read the live source
	// behind it is fetched to warm the cache.
	RefreshDelay time.Duration
}

// Page is one merged page.
type Page struct {
	Items []*model.FeedItem `json:"items"`
	// NextCursor continues after this page.  Empty when Done.
	NextCursor string `json:"nextCursor,omitempty"`
	// Done means every source is exhausted.
	Done bool `json:"done"`
	// Degraded lists sources that were served from a fallback or left
	// out because they failed.
	Degraded []string `json:"degraded,omitempty"`
	// Stale is set when the page came from a cache entry past its
	// freshness.
	Stale bool `json:"stale,omitempty"`
}

func (p *Page) clone() *Page {
	c := *p
	c.Items = model.CloneItems(p.Items)
	c.Degraded = slices.Clone(p.Degraded)
	return &c
}

type Aggregator struct {
	store        *cachestore.Store
	resolver     Resolver
	codec        *CursorCodec
	clock        clockwork.Clock
	pageSize     int
	fetchTimeout time.Duration
	refreshDelay time.Duration

	group singleflight.Group

	mu           sync.Mutex
	generations  map[string]uint64
	revalidating map[string]bool
	refreshing   map[string]clockwork.Timer
	closed       bool
	wg           sync.WaitGroup
}

func New(cf *Config) *Aggregator {
	a := &Aggregator{
		store:        dep.Required(cf.Store),
		resolver:     dep.Required(cf.Resolver),
		codec:        dep.Required(cf.Codec),
		clock:        dep.Default(cf.Clock, clockwork.NewRealClock()),
		pageSize:     cf.PageSize,
		fetchTimeout: cf.FetchTimeout,
		refreshDelay: cf.RefreshDelay,
		generations:  make(map[string]uint64),
		revalidating: make(map[string]bool),
		refreshing:   make(map[string]clockwork.Timer),
	}
	if a.pageSize <= 0 {
		a.pageSize = DefaultPageSize
	}
	if a.fetchTimeout <= 0 {
		a.fetchTimeout = DefaultFetchTimeout
	}
	if a.refreshDelay <= 0 {
		a.refreshDelay = DefaultRefreshDelay
	}
	return a
}

// FetchPage reads the page of q that cursor points at ("" for the first).
//
// Sources that fail are left out and named in Page.Degraded; the error is
// only returned when every source that was read failed.  A read that a
// newer FetchPage or Cancel for the same query overtook returns
// errs.ErrSuperseded and caches nothing.
func (a *Aggregator) FetchPage(ctx context.Context, q Query, cursor string) (*Page, error) {
	if err := q.Check(); err != nil {
		return nil, err
	}
	sources, err := a.resolver.Sources(ctx, q)
	if err != nil {
		return nil, err
	}
	sources = dedupe(sources)
	cur, err := a.resume(q, cursor, sourceIDs(sources))
	if err != nil {
		return nil, err
	}
	key := cachestore.FeedKey(q.Key(), canonical(cur))

	if !q.ForceFresh {
		if p, e, ok := cachestore.GetAs[*Page](a.store, key); ok {
			pageCacheHits.Add(1)
			if e.IsStale {
				a.revalidate(q, sources, cur, key)
			}
			out := p.clone()
			out.Stale = e.IsStale
			return out, nil
		}
	}

	gen := a.begin(q.Key())
	p, writes, err := a.build(ctx, sources, cur, q.ForceFresh)
	if !a.current(q.Key(), gen) {
		pagesSuperseded.Add(1)
		return nil, errs.ErrSuperseded
	}
	if err != nil {
		return nil, err
	}
	a.commit(key, p, writes)
	a.scheduleRefresh(sources, p)
	pagesServed.Add(1)
	return p.clone(), nil
}

// Cancel supersedes any FetchPage of q still in flight.
func (a *Aggregator) Cancel(q Query) {
	a.begin(q.Key())
}

// Wait blocks until background revalidations and refreshes that have
// started are done.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

// Close stops pending refreshes and waits for running ones.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	for id, t := range a.refreshing {
		if t.Stop() {
			a.wg.Done()
		}
		delete(a.refreshing, id)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Aggregator) resume(q Query, cursor string, ids []string) (*model.CompositeCursor, error) {
	if cursor == "" {
		return model.NewCompositeCursor(ids), nil
	}
	cur, err := a.codec.Decode(cursor)
	if err != nil {
		return nil, &errs.StatusError{Code: http.StatusBadRequest, Err: err}
	}
	if !cur.ResumableWith(ids) {
		cursorRestarts.Add(1)
		log.Printf("feed: sources for %s changed, restarting from the top", q.Key())
		return model.NewCompositeCursor(ids), nil
	}
	return cur, nil
}

func (a *Aggregator) begin(qkey string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generations[qkey]++
	return a.generations[qkey]
}

func (a *Aggregator) generation(qkey string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generations[qkey]
}

func (a *Aggregator) current(qkey string, gen uint64) bool {
	return a.generation(qkey) == gen
}

// pendingWrite is a source batch to cache once the page is known not to
// be superseded.
type pendingWrite struct {
	key   cachestore.Key
	batch *model.Batch
}

type sourceResult struct {
	read     bool
	token    string
	items    []*model.FeedItem
	next     string
	done     bool
	degraded bool
	err      error
	writes   []pendingWrite
}

// maxSkips bounds how many batches readUnseen walks past when every item in
// them was already delivered.
const maxSkips = 4

// readUnseen loads the batch at c's token with the delivered items taken
// out.  A batch with nothing left moves on to the next token, so a source
// whose items shifted under a held cursor still contributes to the page.
func (a *Aggregator) readUnseen(ctx context.Context, src Source, c model.Cursor, force bool) sourceResult {
	token := c.Token
	var writes []pendingWrite
	for skips := 0; ; skips++ {
		r := a.load(ctx, src, token, force)
		r.token = token
		writes = append(writes, r.writes...)
		r.writes = writes
		if r.err != nil {
			return r
		}
		r.items = c.Unseen(r.items)
		if len(r.items) > 0 || r.done || skips == maxSkips {
			return r
		}
		token = r.next
	}
}

func (a *Aggregator) build(ctx context.Context, sources []Source, cur *model.CompositeCursor, force bool) (*Page, []pendingWrite, error) {
	results := make([]sourceResult, len(sources))

	// Errors are collected per source; a failure never cancels siblings.
	var g errgroup.Group
	for i, src := range sources {
		c := cur.Cursors[src.ID()]
		if c.Exhausted {
			continue
		}
		g.Go(func() error {
			results[i] = a.readUnseen(ctx, src, c, force)
			return nil
		})
	}
	g.Wait()

	type tagged struct {
		item *model.FeedItem
		src  int
	}
	var (
		merged    []tagged
		failures  []error
		read      int
		degraded  []string
		writes    []pendingWrite
		delivered = make([]int, len(sources))
		last      = make([]*model.FeedItem, len(sources))
	)
	for i, r := range results {
		if !r.read {
			continue
		}
		read++
		id := sources[i].ID()
		writes = append(writes, r.writes...)
		if r.err != nil {
			failures = append(failures, r.err)
			degraded = append(degraded, id)
			continue
		}
		if r.degraded {
			degraded = append(degraded, id)
		}
		for _, it := range r.items {
			merged = append(merged, tagged{it, i})
		}
	}

	if read > 0 && len(failures) == read {
		allSourcesFailed.Add(1)
		return nil, nil, fmt.Errorf("%w: %w", errs.ErrAllSourcesFailed, errors.Join(failures...))
	}

	slices.SortFunc(merged, func(x, y tagged) int { return model.CompareFeedItems(x.item, y.item) })
	merged = merged[:min(len(merged), a.pageSize)]

	p := &Page{Items: make([]*model.FeedItem, 0, len(merged)), Degraded: degraded}
	for _, t := range merged {
		p.Items = append(p.Items, t.item)
		delivered[t.src]++
		last[t.src] = t.item
	}

	next := cur.Clone()
	for i, r := range results {
		if !r.read || r.err != nil {
			// Unread sources and failed ones keep their place.
			continue
		}
		id := sources[i].ID()
		c := next.Cursors[id]
		if last[i] != nil {
			c.MarkDelivered(last[i])
		}
		switch {
		case delivered[i] < len(r.items):
			c.Token = r.token
		case r.done:
			c = model.Cursor{SourceID: id, Exhausted: true}
		default:
			c.Token = r.next
		}
		next.Cursors[id] = c
	}

	if next.Done() {
		p.Done = true
		return p, writes, nil
	}
	enc, err := a.codec.Encode(next)
	if err != nil {
		return nil, nil, err
	}
	p.NextCursor = enc
	return p, writes, nil
}

// load gets the batch at token from src: a fresh cached copy, a live
// fetch, or failing that a stale cached copy or the source's static
// fallback.
func (a *Aggregator) load(ctx context.Context, src Source, token string, force bool) sourceResult {
	key := cachestore.SourceKey(src.Scope(), src.ID(), token)
	cached, e, haveCached := cachestore.GetAs[*model.Batch](a.store, key)
	if haveCached && !e.IsStale && !force {
		return fromBatch(cached)
	}

	b, err := a.fetch(ctx, src, token)
	if err == nil {
		r := fromBatch(b)
		r.writes = []pendingWrite{{key: key, batch: b}}
		return r
	}

	sourceFailures.Add(src.ID(), 1)
	ferr := &errs.FetchError{SourceID: src.ID(), Err: err}
	if haveCached {
		fallbacksServed.Add(1)
		log.Printf("feed: %v; serving cached batch from %v", ferr, e.FetchedAt)
		r := fromBatch(cached)
		r.degraded = true
		return r
	}
	if fb, ok := src.(fallbackSource); ok && token == "" {
		items, fberr := fb.Fallback(ctx)
		if fberr == nil {
			fallbacksServed.Add(1)
			log.Printf("feed: %v; serving %d items from snapshot", ferr, len(items))
			// The snapshot stands in for the whole source, so there is
			// nothing to page on to.
			return sourceResult{read: true, items: clean(items), done: true, degraded: true}
		}
		ferr.Err = errors.Join(err, fberr)
	}
	log.Printf("feed: %v", ferr)
	return sourceResult{read: true, err: ferr}
}

func fromBatch(b *model.Batch) sourceResult {
	done := b.Done
	if !done && b.NextToken == "" {
		// Nowhere to go but back to the start.
		done = true
	}
	return sourceResult{read: true, items: b.Items, next: b.NextToken, done: done}
}

// fetch reads a batch with the per-source timeout.  Identical fetches in
// flight at the same time share one request.
func (a *Aggregator) fetch(ctx context.Context, src Source, token string) (*model.Batch, error) {
	sfkey := fmt.Sprintf("%s\x00%s\x00%d", src.ID(), token, a.pageSize)
	ch := a.group.DoChan(sfkey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.fetchTimeout)
		defer cancel()
		b, err := src.Fetch(fctx, token, a.pageSize)
		if err != nil {
			return nil, err
		}
		b.Items = clean(b.Items)
		return &b, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Batch), nil
	}
}

// clean drops drafts and sorts into feed order, without touching the
// caller's slice.
func clean(items []*model.FeedItem) []*model.FeedItem {
	out := make([]*model.FeedItem, 0, len(items))
	for _, it := range items {
		if !it.IsDraft() {
			out = append(out, it)
		}
	}
	slices.SortFunc(out, model.CompareFeedItems)
	return out
}

func (a *Aggregator) commit(key cachestore.Key, p *Page, writes []pendingWrite) {
	for _, w := range writes {
		a.store.Set(w.key, w.batch)
	}
	if len(p.Degraded) > 0 {
		// The next read should try the failed sources again.
		return
	}
	a.store.Set(key, p.clone())
}

// revalidate rebuilds a stale cached page in the background.  It doesn't
// bump the query's generation, so a foreground read started meanwhile
// wins.
func (a *Aggregator) revalidate(q Query, sources []Source, cur *model.CompositeCursor, key cachestore.Key) {
	k := key.String()
	a.mu.Lock()
	if a.closed || a.revalidating[k] {
		a.mu.Unlock()
		return
	}
	a.revalidating[k] = true
	gen := a.generations[q.Key()]
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.revalidating, k)
			a.mu.Unlock()
		}()
		revalidations.Add(1)
		ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)
		defer cancel()
		p, writes, err := a.build(ctx, sources, cur, false)
		if err != nil {
			log.Printf("feed: revalidating %s: %v", k, err)
			return
		}
		if !a.current(q.Key(), gen) {
			return
		}
		a.commit(key, p, writes)
	}()
}

// scheduleRefresh warms the live side of anything this page served from a
// snapshot, RefreshDelay from now.
func (a *Aggregator) scheduleRefresh(sources []Source, p *Page) {
	for _, src := range sources {
		var live Source
		switch s := src.(type) {
		case warmable:
			live = s.Live()
		case fallbackSource:
			if slices.Contains(p.Degraded, src.ID()) {
				live = src
			}
		}
		if live != nil {
			a.refreshLater(live)
		}
	}
}

func (a *Aggregator) refreshLater(live Source) {
	id := live.ID()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.refreshing[id] != nil {
		return
	}
	a.wg.Add(1)
	a.refreshing[id] = a.clock.AfterFunc(a.refreshDelay, func() {
		defer a.wg.Done()
		a.mu.Lock()
		delete(a.refreshing, id)
		a.mu.Unlock()

		b, err := a.fetch(context.Background(), live, "")
		if err != nil {
			log.Printf("feed: background refresh of %s: %v", id, err)
			return
		}
		refreshes.Add(1)
		a.store.Set(cachestore.SourceKey(live.Scope(), id, ""), b)
	})
}
