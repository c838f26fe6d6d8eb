package feed

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/singleflight"

	"github.com/ts4z/feedsync/cachestore"
	"github.com/ts4z/feedsync/model"
)

// SnapshotFetcher reads a node's static snapshot file.  query.Client
// implements it.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, node string) (*model.Snapshot, error)
}

// SnapshotStore keeps the last good snapshot per node.  persist.SnapshotStore
// implements it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s *model.Snapshot) error
	LoadSnapshot(ctx context.Context, node string) (*model.Snapshot, error)
}

// Snapshots loads static snapshots through the cache store, falling back to
// a stale cached copy and then to the persisted copy when the file can't be
// read.
type Snapshots struct {
	fetcher SnapshotFetcher
	store   *cachestore.Store
	saved   SnapshotStore
	group   singleflight.Group
}

// NewSnapshots makes a loader.  saved may be nil.
func NewSnapshots(fetcher SnapshotFetcher, store *cachestore.Store, saved SnapshotStore) *Snapshots {
	return &Snapshots{fetcher: fetcher, store: store, saved: saved}
}

func snapshotKey(node string) cachestore.Key {
	return cachestore.NewKey(cachestore.NSSource, cachestore.SnapshotScope(node), "file")
}

// Load returns node's snapshot.
func (s *Snapshots) Load(ctx context.Context, node string) (*model.Snapshot, error) {
	cached, e, ok := cachestore.GetAs[*model.Snapshot](s.store, snapshotKey(node))
	if ok && !e.IsStale {
		return cached, nil
	}

	v, err, _ := s.group.Do(node, func() (any, error) {
		return s.fetcher.FetchSnapshot(ctx, node)
	})
	if err == nil {
		snap := v.(*model.Snapshot)
		s.store.Set(snapshotKey(node), snap)
		if s.saved != nil {
			if serr := s.saved.SaveSnapshot(ctx, snap); serr != nil {
				log.Printf("feed: can't persist snapshot of %s: %v", node, serr)
			}
		}
		return snap, nil
	}

	if ok {
		log.Printf("feed: snapshot of %s unreadable, using cached copy: %v", node, err)
		return cached, nil
	}
	if s.saved != nil {
		snap, lerr := s.saved.LoadSnapshot(ctx, node)
		if lerr == nil {
			log.Printf("feed: snapshot of %s unreadable, using persisted copy: %v", node, err)
			s.store.Restore(snapshotKey(node), cachestore.Entry{Value: snap, FetchedAt: snap.Generated, IsStale: true})
			return snap, nil
		}
		err = errors.Join(err, lerr)
	}
	return nil, fmt.Errorf("can't load snapshot of %s: %w", node, err)
}
