package mutation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ts4z/feedsync/cachestore"
	"github.com/ts4z/feedsync/errs"
	"github.com/ts4z/feedsync/model"
)

func newTestEngine(t *testing.T) (*Engine, *cachestore.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := cachestore.New(cachestore.Options{Clock: clock})
	e := NewEngine(&Config{Store: store, Clock: clock})
	t.Cleanup(e.Close)
	return e, store, clock
}

var summaryKey = cachestore.ReactionsKey("c1:channel", "p1")

func addEmoji(prev *model.ReactionSummary, ok bool) *model.ReactionSummary {
	next := &model.ReactionSummary{}
	if ok {
		next = prev.Clone()
	}
	next.TotalCount++
	return next
}

func TestEmojiConflictMergesOntoServerValue(t *testing.T) {
	e, store, _ := newTestEngine(t)
	store.Set(summaryKey, &model.ReactionSummary{TotalCount: 2, VersionTag: "v1"})

	writes := 0
	var speculative int
	out, err := Mutate(context.Background(), e, Spec[*model.ReactionSummary]{
		Key:   summaryKey,
		Apply: addEmoji,
		Write: func(ctx context.Context, v *model.ReactionSummary) (*model.ReactionSummary, error) {
			writes++
			if writes == 1 {
				cur, _, _ := cachestore.GetAs[*model.ReactionSummary](store, summaryKey)
				speculative = cur.TotalCount
				return nil, &errs.ConflictError{Key: summaryKey.String(), VersionTag: v.VersionTag}
			}
			return &model.ReactionSummary{TotalCount: v.TotalCount, VersionTag: "v3"}, nil
		},
		Fetch: func(ctx context.Context) (*model.ReactionSummary, error) {
			// Someone else reacted meanwhile.
			return &model.ReactionSummary{TotalCount: 3, VersionTag: "v2"}, nil
		},
		Merge: func(base, spec *model.ReactionSummary) *model.ReactionSummary {
			return addEmoji(base, true)
		},
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if speculative != 3 {
		t.Errorf("speculative value = %d, want 3", speculative)
	}
	if out.Status != Committed || !out.Retried {
		t.Errorf("outcome = %+v, want a committed retry", out)
	}
	got, _, _ := cachestore.GetAs[*model.ReactionSummary](store, summaryKey)
	if got.TotalCount != 4 || got.VersionTag != "v3" {
		t.Errorf("cached = %+v, want totalCount 4 at v3", got)
	}
}

func TestCommitReconcilesServerIdentity(t *testing.T) {
	e, store, _ := newTestEngine(t)
	key := cachestore.PostKey("c1:channel", "tmp")

	out, err := Mutate(context.Background(), e, Spec[*model.FeedItem]{
		Key:   key,
		Apply: func(prev *model.FeedItem, ok bool) *model.FeedItem {
			return &model.FeedItem{ID: "tmp", Content: []byte(`"hi"`)}
		},
		Write: func(ctx context.Context, v *model.FeedItem) (*model.FeedItem, error) {
			return &model.FeedItem{ID: "srv-1", VersionTag: "v1"}, nil
		},
		Reconcile: func(sent, auth *model.FeedItem) *model.FeedItem {
			out := sent.Clone()
			out.ID, out.VersionTag = auth.ID, auth.VersionTag
			return out
		},
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	got, _, _ := cachestore.GetAs[*model.FeedItem](store, key)
	if got.ID != "srv-1" || string(got.Content) != `"hi"` || out.Value != got {
		t.Errorf("cached %+v, outcome %+v", got, out.Value)
	}
}

func TestRollback(t *testing.T) {
	failWith := func(err error) func(context.Context, *model.ReactionSummary) (*model.ReactionSummary, error) {
		return func(context.Context, *model.ReactionSummary) (*model.ReactionSummary, error) {
			return nil, err
		}
	}
	conflict := &errs.ConflictError{Key: summaryKey.String()}
	fetch := func(context.Context) (*model.ReactionSummary, error) {
		return &model.ReactionSummary{TotalCount: 9}, nil
	}

	tests := []struct {
		name  string
		write func(context.Context, *model.ReactionSummary) (*model.ReactionSummary, error)
		fetch func(context.Context) (*model.ReactionSummary, error)
	}{
		{"hard failure", failWith(errors.New("500")), fetch},
		{"conflict without fetch", failWith(conflict), nil},
		{"second conflict", failWith(conflict), fetch},
		{"refetch fails", failWith(conflict), func(context.Context) (*model.ReactionSummary, error) {
			return nil, errors.New("gone")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store, clock := newTestEngine(t)
			store.Set(summaryKey, &model.ReactionSummary{TotalCount: 2, Emojis: map[string]int{"x": 2}})
			store.Invalidate(summaryKey)
			clock.Advance(time.Second)
			before, _ := store.Get(summaryKey)

			out, err := Mutate(context.Background(), e, Spec[*model.ReactionSummary]{
				Key:   summaryKey,
				Apply: addEmoji,
				Write: tt.write,
				Fetch: tt.fetch,
			})
			var hw *errs.HardWriteError
			if !errors.As(err, &hw) {
				t.Fatalf("err = %v, want a hard write error", err)
			}
			if out.Status != RolledBack {
				t.Errorf("status = %v, want rolled back", out.Status)
			}
			after, _ := store.Get(summaryKey)
			if after != before {
				t.Errorf("store holds %+v after rollback, had %+v", after, before)
			}
		})
	}
}

func TestRollbackOfNewKeyRemovesIt(t *testing.T) {
	e, store, _ := newTestEngine(t)
	_, err := Mutate(context.Background(), e, Spec[int]{
		Key:   cachestore.NewKey("counter", "x"),
		Apply: func(prev int, ok bool) int { return prev + 1 },
		Write: func(context.Context, int) (int, error) { return 0, errors.New("no") },
	})
	if err == nil {
		t.Fatalf("Mutate succeeded")
	}
	if _, ok := store.Get(cachestore.NewKey("counter", "x")); ok {
		t.Errorf("speculative value left behind")
	}
}

func TestMutationsOnOneKeyAreSerialized(t *testing.T) {
	e, store, _ := newTestEngine(t)
	key := cachestore.NewKey("counter", "x")
	store.Set(key, 0)

	release := make(chan struct{})
	writing := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := Mutate(context.Background(), e, Spec[int]{
			Key:   key,
			Apply: func(prev int, ok bool) int { return prev + 1 },
			Write: func(ctx context.Context, v int) (int, error) {
				close(writing)
				<-release
				return v, nil
			},
		})
		firstDone <- err
	}()
	<-writing

	if st, ok := e.Pending(key); !ok || st != Pending {
		t.Errorf("Pending = %v, %v while the first write is out", st, ok)
	}

	saw := make(chan int, 1)
	secondDone := make(chan error, 1)
	go func() {
		_, err := Mutate(context.Background(), e, Spec[int]{
			Key:   key,
			Apply: func(prev int, ok bool) int {
				saw <- prev
				return prev + 1
			},
			Write: func(ctx context.Context, v int) (int, error) { return v, nil },
		})
		secondDone <- err
	}()

	select {
	case v := <-saw:
		t.Fatalf("second mutation applied (saw %d) while the first was pending", v)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second: %v", err)
	}
	if v := <-saw; v != 1 {
		t.Errorf("second mutation saw %d, want the first's committed 1", v)
	}
	if v, _, _ := cachestore.GetAs[int](store, key); v != 2 {
		t.Errorf("final value %d, want 2", v)
	}
	if _, ok := e.Pending(key); ok {
		t.Errorf("mutation still pending after both finished")
	}
}

func TestWaitingHonorsContext(t *testing.T) {
	e, _, _ := newTestEngine(t)
	key := cachestore.NewKey("counter", "x")

	release := make(chan struct{})
	writing := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		Mutate(context.Background(), e, Spec[int]{
			Key:   key,
			Apply: func(prev int, ok bool) int { return 1 },
			Write: func(ctx context.Context, v int) (int, error) {
				close(writing)
				<-release
				return v, nil
			},
		})
	}()
	<-writing

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := Mutate(ctx, e, Spec[int]{
		Key:   key,
		Apply: func(prev int, ok bool) int { return 2 },
		Write: func(ctx context.Context, v int) (int, error) { return v, nil },
	})
	if !errors.Is(err, context.Canceled) || out.Status != Idle {
		t.Errorf("Mutate = %+v, %v; want canceled while waiting", out, err)
	}
	close(release)
	<-done
}

func TestDependentsInvalidatedAfterSettle(t *testing.T) {
	e, store, clock := newTestEngine(t)
	feedKey := cachestore.FeedKey("my", "")
	store.Set(feedKey, "page")

	_, err := Mutate(context.Background(), e, Spec[int]{
		Key:        cachestore.NewKey("counter", "x"),
		Apply:      func(prev int, ok bool) int { return 1 },
		Write:      func(ctx context.Context, v int) (int, error) { return v, nil },
		Dependents: []cachestore.Key{cachestore.NamespaceKey(cachestore.NSFeed)},
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	if ent, _ := store.Get(feedKey); ent.IsStale {
		t.Errorf("dependent invalidated before the settle delay")
	}
	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(DefaultSettleDelay)
	e.Wait()
	if ent, _ := store.Get(feedKey); !ent.IsStale {
		t.Errorf("dependent not invalidated after the settle delay")
	}
}

func TestOptionalLeavesEmptyKeyAlone(t *testing.T) {
	e, store, _ := newTestEngine(t)
	key := cachestore.NewKey("counter", "x")
	wrote := 0

	out, err := Mutate(context.Background(), e, Spec[int]{
		Key:      key,
		Apply: func(prev int, ok bool) int { return prev + 1 },
		Write: func(ctx context.Context, v int) (int, error) {
			wrote = v
			return v, nil
		},
		Optional: true,
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if wrote != 1 || out.Status != Committed {
		t.Errorf("wrote %d, outcome %+v", wrote, out)
	}
	if _, ok := store.Get(key); ok {
		t.Errorf("optional mutation cached a value for an empty key")
	}
}
