package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ts4z/feedsync/cachestore"
	"github.com/ts4z/feedsync/errs"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/query"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func item(id string, minute int) *model.FeedItem {
	return &model.FeedItem{ID: id, Created: epoch.Add(time.Duration(minute) * time.Minute), VersionTag: "v1"}
}

// listSource serves a fixed list, newest first, with offsets as tokens.
type listSource struct {
	id    string
	mu    sync.Mutex
	items []*model.FeedItem
	err   error
	calls int
	// hold, if set, blocks Fetch until it is closed.
	hold    chan struct{}
	entered chan struct{}
}

func newList(id string, items ...*model.FeedItem) *listSource {
	s := &listSource{id: id, items: items}
	slices.SortFunc(s.items, model.CompareFeedItems)
	return s
}

func (s *listSource) ID() string    { return s.id }
func (s *listSource) Scope() string { return "test:" + s.id }

func (s *listSource) set(items []*model.FeedItem, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
	slices.SortFunc(s.items, model.CompareFeedItems)
	s.err = err
}

func (s *listSource) Fetch(ctx context.Context, token string, limit int) (model.Batch, error) {
	s.mu.Lock()
	s.calls++
	hold, entered := s.hold, s.entered
	items, err := s.items, s.err
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if hold != nil {
		<-hold
	}
	if err != nil {
		return model.Batch{}, err
	}
	start := 0
	if token != "" {
		start, _ = strconv.Atoi(token)
	}
	end := min(start+limit, len(items))
	b := model.Batch{Items: items[start:end], Done: end == len(items)}
	if !b.Done {
		b.NextToken = strconv.Itoa(end)
	}
	return b, nil
}

func newTestAggregator(t *testing.T, store *cachestore.Store, r Resolver, pageSize int) *Aggregator {
	t.Helper()
	codec, err := NewCursorCodec([]byte("test secret"))
	if err != nil {
		t.Fatalf("NewCursorCodec: %v", err)
	}
	a := New(&Config{Store: store, Resolver: r, Codec: codec, PageSize: pageSize})
	t.Cleanup(a.Close)
	return a
}

func ids(items []*model.FeedItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// threeSources is local-live with 5 items, one peer with 3, and an empty
// snapshot, dated so that the first page of 4 takes some from each of the
// first two.
func threeSources() (live, peer, snap *listSource) {
	live = newList("live", item("l1", 10), item("l2", 9), item("l3", 7), item("l4", 5), item("l5", 3))
	peer = newList("peer", item("p1", 8), item("p2", 4), item("p3", 2))
	snap = newList("snapshot")
	return live, peer, snap
}

func TestFirstPageAcrossThreeSources(t *testing.T) {
	live, peer, snap := threeSources()
	a := newTestAggregator(t, cachestore.New(cachestore.Options{}), Static{live, peer, snap}, 4)

	p, err := a.FetchPage(context.Background(), Query{Kind: SocialFeed}, "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if got, want := ids(p.Items), []string{"l1", "l2", "p1", "l3"}; !slices.Equal(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	if p.Done || p.NextCursor == "" {
		t.Fatalf("page done=%v cursor=%q, want a continuation", p.Done, p.NextCursor)
	}

	cur, err := a.codec.Decode(p.NextCursor)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c := cur.Cursors["live"]; c.IsNull() || c.Token != "" || c.LastID != "l3" {
		t.Errorf("live cursor = %+v, want to stay on the first batch after l3", c)
	}
	if c := cur.Cursors["peer"]; c.IsNull() || c.Token != "" || c.LastID != "p1" {
		t.Errorf("peer cursor = %+v, want to stay on the first batch after p1", c)
	}
	if c := cur.Cursors["snapshot"]; !c.IsNull() {
		t.Errorf("snapshot cursor = %+v, want exhausted", c)
	}
}

func TestNoDuplicateDelivery(t *testing.T) {
	live, peer, snap := threeSources()
	a := newTestAggregator(t, cachestore.New(cachestore.Options{}), Static{live, peer, snap}, 4)

	var seen []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatalf("no end after %d pages", pages)
		}
		p, err := a.FetchPage(context.Background(), Query{Kind: SocialFeed}, cursor)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		for _, id := range ids(p.Items) {
			if slices.Contains(seen, id) {
				t.Errorf("page %d repeats %s", pages, id)
			}
			seen = append(seen, id)
		}
		if len(p.Items) > 4 {
			t.Errorf("page %d has %d items", pages, len(p.Items))
		}
		if p.Done {
			break
		}
		cursor = p.NextCursor
	}
	if len(seen) != 8 {
		t.Errorf("delivered %v, want all 8 items", seen)
	}
}

func TestNewPostBetweenPagesIsNotRedelivered(t *testing.T) {
	live, peer, snap := threeSources()
	store := cachestore.New(cachestore.Options{})
	a := newTestAggregator(t, store, Static{live, peer, snap}, 4)
	ctx := context.Background()
	q := Query{Kind: SocialFeed}

	first, err := a.FetchPage(ctx, q, "")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if got, want := ids(first.Items), []string{"l1", "l2", "p1", "l3"}; !slices.Equal(got, want) {
		t.Fatalf("first page = %v, want %v", got, want)
	}

	// A new post shifts every item of the live source down one place.
	live.set(append(slices.Clone(live.items), item("l0", 11)), nil)
	store.Invalidate(cachestore.NewKey(cachestore.NSSource, live.Scope()))

	second, err := a.FetchPage(ctx, q, first.NextCursor)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if got, want := ids(second.Items), []string{"l4", "p2", "l5", "p3"}; !slices.Equal(got, want) {
		t.Errorf("second page = %v, want %v", got, want)
	}
	if !second.Done {
		t.Errorf("second page not done, cursor %q", second.NextCursor)
	}
}

func TestCursorReplayIsDeterministic(t *testing.T) {
	live, peer, snap := threeSources()
	a := newTestAggregator(t, cachestore.New(cachestore.Options{}), Static{live, peer, snap}, 4)
	ctx := context.Background()
	q := Query{Kind: SocialFeed}

	first, err := a.FetchPage(ctx, q, "")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := a.FetchPage(ctx, q, first.NextCursor)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	q.ForceFresh = true
	again, err := a.FetchPage(ctx, q, first.NextCursor)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !slices.Equal(ids(second.Items), ids(again.Items)) {
		t.Errorf("replay = %v, first time %v", ids(again.Items), ids(second.Items))
	}
}

type switchable struct {
	mu      sync.Mutex
	sources []Source
}

func (s *switchable) Sources(context.Context, Query) ([]Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sources), nil
}

func TestSourceSetChangeRestarts(t *testing.T) {
	live, peer, _ := threeSources()
	r := &switchable{sources: []Source{live}}
	a := newTestAggregator(t, cachestore.New(cachestore.Options{}), r, 2)
	ctx := context.Background()

	first, err := a.FetchPage(ctx, Query{Kind: SocialFeed}, "")
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	r.mu.Lock()
	r.sources = []Source{live, peer}
	r.mu.Unlock()

	p, err := a.FetchPage(ctx, Query{Kind: SocialFeed}, first.NextCursor)
	if err != nil {
		t.Fatalf("after change: %v", err)
	}
	if got, want := ids(p.Items), []string{"l1", "l2"}; !slices.Equal(got, want) {
		t.Errorf("items = %v, want restart at %v", got, want)
	}
}

func TestDraftsAreDropped(t *testing.T) {
	draft := item("d1", 20)
	draft.FileType = model.FileTypeDraft
	src := newList("live", item("a", 1), draft, item("b", 2))
	a := newTestAggregator(t, cachestore.New(cachestore.Options{}), Static{src}, 10)

	p, err := a.FetchPage(context.Background(), Query{Kind: MyFeed}, "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if got, want := ids(p.Items), []string{"b", "a"}; !slices.Equal(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	if !p.Done {
		t.Errorf("page not done")
	}
}

func TestTiesBreakByID(t *testing.T) {
	src := newList("live", item("a", 5), item("c", 5), item("b", 5))
	a := newTestAggregator(t, cachestore.New(cachestore.Options{}), Static{src}, 10)

	p, err := a.FetchPage(context.Background(), Query{Kind: MyFeed}, "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if got, want := ids(p.Items), []string{"c", "b", "a"}; !slices.Equal(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
}

func TestFailedSourceServesCachedBatch(t *testing.T) {
	live, peer, _ := threeSources()
	store := cachestore.New(cachestore.Options{})
	a := newTestAggregator(t, store, Static{live, peer}, 4)
	ctx := context.Background()

	if _, err := a.FetchPage(ctx, Query{Kind: SocialFeed}, ""); err != nil {
		t.Fatalf("warm: %v", err)
	}
	peer.set(nil, errors.New("peer down"))

	p, err := a.FetchPage(ctx, Query{Kind: SocialFeed, ForceFresh: true}, "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if got, want := ids(p.Items), []string{"l1", "l2", "p1", "l3"}; !slices.Equal(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	if !slices.Equal(p.Degraded, []string{"peer"}) {
		t.Errorf("degraded = %v, want [peer]", p.Degraded)
	}
}

func TestFailedSourceIsOmitted(t *testing.T) {
	live, peer, _ := threeSources()
	peer.set(nil, errors.New("peer down"))
	a := newTestAggregator(t, cachestore.New(cachestore.Options{}), Static{live, peer}, 4)

	p, err := a.FetchPage(context.Background(), Query{Kind: SocialFeed}, "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if got, want := ids(p.Items), []string{"l1", "l2", "l3", "l4"}; !slices.Equal(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	cur, _ := a.codec.Decode(p.NextCursor)
	if c := cur.Cursors["peer"]; c.IsNull() || c.Token != "" || c.LastID != "" {
		t.Errorf("failed source's cursor moved: %+v", c)
	}
}

func TestAllSourcesFailed(t *testing.T) {
	live, peer, _ := threeSources()
	live.set(nil, errors.New("node down"))
	peer.set(nil, errors.New("peer down"))
	a := newTestAggregator(t, cachestore.New(cachestore.Options{}), Static{live, peer}, 4)

	_, err := a.FetchPage(context.Background(), Query{Kind: SocialFeed}, "")
	if !errors.Is(err, errs.ErrAllSourcesFailed) {
		t.Fatalf("err = %v, want all sources failed", err)
	}
	var fe *errs.FetchError
	if !errors.As(err, &fe) {
		t.Errorf("err = %v, want it to carry the fetch errors", err)
	}
}

// flakyQuerier fails its first n calls.
type flakyQuerier struct {
	mu    sync.Mutex
	fails int
	items []*model.FeedItem
	calls int
}

func (f *flakyQuerier) QueryBatch(ctx context.Context, q query.BatchQuery) (model.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return model.Batch{}, errors.New("unauthorized")
	}
	return model.Batch{Items: f.items, Done: true}, nil
}

type snapshotFile struct {
	snap *model.Snapshot
	err  error
}

func (s *snapshotFile) FetchSnapshot(ctx context.Context, node string) (*model.Snapshot, error) {
	return s.snap, s.err
}

func TestLiveChannelFallsBackToSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := cachestore.New(cachestore.Options{Clock: clock})
	ch := model.Channel{ID: "c1", Drive: model.DriveScope{Alias: "c1", Type: "channel"}}
	snaps := NewSnapshots(&snapshotFile{snap: &model.Snapshot{
		Node:  "me.example",
		Posts: map[string][]*model.FeedItem{"c1": {item("s1", 1), item("s2", 2)}},
	}}, store, nil)
	q := &flakyQuerier{fails: 1, items: []*model.FeedItem{item("live1", 3)}}
	live := &LiveChannelSource{Querier: q, Channel: ch, Snapshots: snaps, Node: "me.example"}

	codec, _ := NewCursorCodec([]byte("k"))
	a := New(&Config{Store: store, Resolver: Static{live}, Codec: codec, Clock: clock, PageSize: 10})
	defer a.Close()

	p, err := a.FetchPage(context.Background(), Query{Kind: ChannelFeed, Channel: "c1"}, "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if got, want := ids(p.Items), []string{"s2", "s1"}; !slices.Equal(got, want) {
		t.Errorf("items = %v, want snapshot %v", got, want)
	}
	if !p.Done || !slices.Equal(p.Degraded, []string{live.ID()}) {
		t.Errorf("page done=%v degraded=%v", p.Done, p.Degraded)
	}
	if n := len(store.Keys(cachestore.NamespaceKey(cachestore.NSFeed))); n != 0 {
		t.Errorf("degraded page was cached (%d feed keys)", n)
	}

	// The live batch is fetched in the background once the refresh delay
	// has passed.
	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(DefaultRefreshDelay)
	a.Wait()
	b, _, ok := cachestore.GetAs[*model.Batch](store, cachestore.SourceKey(live.Scope(), live.ID(), ""))
	if !ok || len(b.Items) != 1 || b.Items[0].ID != "live1" {
		t.Fatalf("live batch not warmed: %+v %v", b, ok)
	}

	p, err = a.FetchPage(context.Background(), Query{Kind: ChannelFeed, Channel: "c1"}, "")
	if err != nil {
		t.Fatalf("second FetchPage: %v", err)
	}
	if got := ids(p.Items); !slices.Equal(got, []string{"live1"}) || len(p.Degraded) != 0 {
		t.Errorf("second page = %v degraded %v, want live data", got, p.Degraded)
	}
	if q.calls != 2 {
		t.Errorf("querier called %d times, want 2 (failed read, refresh)", q.calls)
	}
}

func TestSupersededPageIsDiscarded(t *testing.T) {
	src := newList("live", item("a", 1))
	src.hold = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	store := cachestore.New(cachestore.Options{})
	a := newTestAggregator(t, store, Static{src}, 10)
	q := Query{Kind: MyFeed}

	errc := make(chan error, 1)
	go func() {
		_, err := a.FetchPage(context.Background(), q, "")
		errc <- err
	}()
	<-src.entered
	a.Cancel(q)
	close(src.hold)

	if err := <-errc; !errors.Is(err, errs.ErrSuperseded) {
		t.Fatalf("err = %v, want superseded", err)
	}
	if keys := store.Keys(cachestore.NewKey("", "")); len(keys) != 0 {
		t.Errorf("superseded read wrote %v", keys)
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	src := newList("live", item("a", 1))
	store := cachestore.New(cachestore.Options{})
	a := newTestAggregator(t, store, Static{src}, 10)
	ctx := context.Background()
	q := Query{Kind: MyFeed}

	if _, err := a.FetchPage(ctx, q, ""); err != nil {
		t.Fatalf("warm: %v", err)
	}
	src.set([]*model.FeedItem{item("a", 1), item("b", 2)}, nil)
	store.Invalidate(cachestore.NamespaceKey(cachestore.NSFeed))
	store.Invalidate(cachestore.NamespaceKey(cachestore.NSSource))

	p, err := a.FetchPage(ctx, q, "")
	if err != nil {
		t.Fatalf("stale read: %v", err)
	}
	if !p.Stale || !slices.Equal(ids(p.Items), []string{"a"}) {
		t.Errorf("stale read = %v stale=%v, want the old page marked stale", ids(p.Items), p.Stale)
	}

	a.Wait()
	p, err = a.FetchPage(ctx, q, "")
	if err != nil {
		t.Fatalf("fresh read: %v", err)
	}
	if p.Stale || !slices.Equal(ids(p.Items), []string{"b", "a"}) {
		t.Errorf("after revalidation = %v stale=%v", ids(p.Items), p.Stale)
	}
}

func TestCachedPageSkipsSources(t *testing.T) {
	src := newList("live", item("a", 1))
	a := newTestAggregator(t, cachestore.New(cachestore.Options{}), Static{src}, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := a.FetchPage(ctx, Query{Kind: MyFeed}, ""); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	if src.calls != 1 {
		t.Errorf("source fetched %d times, want 1", src.calls)
	}
	if _, err := a.FetchPage(ctx, Query{Kind: MyFeed, ForceFresh: true}, ""); err != nil {
		t.Fatalf("forced read: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("ForceFresh didn't refetch (%d calls)", src.calls)
	}
}

func TestBadCursor(t *testing.T) {
	a := newTestAggregator(t, cachestore.New(cachestore.Options{}), Static{newList("live")}, 10)
	_, err := a.FetchPage(context.Background(), Query{Kind: MyFeed}, "garbage")
	if got := errs.Status(err); got != 400 {
		t.Errorf("Status(%v) = %d, want 400", err, got)
	}
}

func TestCursorCodecRotation(t *testing.T) {
	old, _ := NewCursorCodec([]byte("old"))
	rotated, _ := NewCursorCodec([]byte("new"), []byte("old"))
	fresh, _ := NewCursorCodec([]byte("new"))

	cur := model.NewCompositeCursor([]string{"a", "b"})
	cur.Cursors["a"] = model.Cursor{SourceID: "a", Token: "t", Last: 42, LastID: "x"}
	s, err := old.Encode(cur)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := rotated.Decode(s)
	if err != nil {
		t.Fatalf("rotated Decode: %v", err)
	}
	if got.Cursors["a"] != cur.Cursors["a"] || got.SourceSet != cur.SourceSet {
		t.Errorf("decoded %+v, want %+v", got, cur)
	}
	if _, err := fresh.Decode(s); err == nil {
		t.Errorf("cursor from a retired secret decoded")
	}
}

func TestSnapshotSourcePaging(t *testing.T) {
	var posts []*model.FeedItem
	for i := 0; i < 5; i++ {
		posts = append(posts, item(fmt.Sprintf("s%d", i), i))
	}
	store := cachestore.New(cachestore.Options{})
	src := &SnapshotSource{
		Snapshots: NewSnapshots(&snapshotFile{snap: &model.Snapshot{Posts: map[string][]*model.FeedItem{"c": posts}}}, store, nil),
		Node:      "n",
		ChannelID: "c",
	}
	a := newTestAggregator(t, store, Static{src}, 2)

	var got []string
	cursor := ""
	for {
		p, err := a.FetchPage(context.Background(), Query{Kind: ChannelFeed, Anonymous: true}, cursor)
		if err != nil {
			t.Fatalf("FetchPage: %v", err)
		}
		got = append(got, ids(p.Items)...)
		if p.Done {
			break
		}
		cursor = p.NextCursor
	}
	if want := []string{"s4", "s3", "s2", "s1", "s0"}; !slices.Equal(got, want) {
		t.Errorf("pages = %v, want %v", got, want)
	}
}

func TestAnonymousOwnerFeedsAreRefused(t *testing.T) {
	live := newList("live", item("l1", 1))
	a := newTestAggregator(t, cachestore.New(cachestore.Options{}), Static{live}, 4)

	for _, kind := range []Kind{MyFeed, SocialFeed} {
		_, err := a.FetchPage(context.Background(), Query{Kind: kind, Anonymous: true}, "")
		if got := errs.Status(err); got != 401 {
			t.Errorf("anonymous %v: status %d (%v), want 401", kind, got, err)
		}
	}
	if live.calls != 0 {
		t.Errorf("refused reads fetched the source %d times", live.calls)
	}
}
