package feed

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/ts4z/feedsync/cachestore"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/query"
)

// Source is one origin of feed items: a channel on the local node, a peer
// node, or a static snapshot.
type Source interface {
	// ID is stable for as long as the source means the same thing.
	ID() string
	// Scope is the cache scope batches from this source are kept under;
	// push events for it invalidate them.
	Scope() string
	// Fetch reads up to limit items starting at token ("" is the start).
	Fetch(ctx context.Context, token string, limit int) (model.Batch, error)
}

// fallbackSource can stand in for itself from static data when a fetch of
// its first page fails.
type fallbackSource interface {
	Fallback(ctx context.Context) ([]*model.FeedItem, error)
}

// warmable sources are read anonymously but have a live counterpart that
// the aggregator refreshes in the background after serving them.
type warmable interface {
	Live() Source
}

// BatchQuerier reads a drive on the local node.  query.Client implements
// it.
type BatchQuerier interface {
	QueryBatch(ctx context.Context, q query.BatchQuery) (model.Batch, error)
}

// PeerQuerier reads a peer node's feed.  query.Client implements it.
type PeerQuerier interface {
	QueryPeerFeed(ctx context.Context, peer, token string, limit int) (model.Batch, error)
}

// LiveChannelSource is the authenticated query of one channel on the local
// node.
type LiveChannelSource struct {
	Querier BatchQuerier
	Channel model.Channel
	// Snapshots, if set, is used when the first page can't be read live.
	Snapshots *Snapshots
	Node      string
}

func (s *LiveChannelSource) ID() string    { return "live:" + s.Channel.ID }
func (s *LiveChannelSource) Scope() string { return s.Channel.Drive.String() }

func (s *LiveChannelSource) Fetch(ctx context.Context, token string, limit int) (model.Batch, error) {
	return s.Querier.QueryBatch(ctx, query.BatchQuery{
		Drive:   s.Channel.Drive,
		Channel: s.Channel.ID,
		Token:   token,
		Limit:   limit,
	})
}

func (s *LiveChannelSource) Fallback(ctx context.Context) ([]*model.FeedItem, error) {
	if s.Snapshots == nil {
		return nil, fmt.Errorf("no snapshot for %s", s.ID())
	}
	snap, err := s.Snapshots.Load(ctx, s.Node)
	if err != nil {
		return nil, err
	}
	return snap.ChannelPosts(s.Channel.ID), nil
}

// OwnFeedSource is the local node's feed drive: what followed nodes have
// pushed into it.
type OwnFeedSource struct {
	Querier BatchQuerier
	Drive   model.DriveScope
}

func (s *OwnFeedSource) ID() string    { return "feed:" + s.Drive.String() }
func (s *OwnFeedSource) Scope() string { return s.Drive.String() }

func (s *OwnFeedSource) Fetch(ctx context.Context, token string, limit int) (model.Batch, error) {
	return s.Querier.QueryBatch(ctx, query.BatchQuery{Drive: s.Drive, Token: token, Limit: limit})
}

// PeerSource is one peer node's feed, read as a guest.
type PeerSource struct {
	Querier PeerQuerier
	Node    string
}

func (s *PeerSource) ID() string    { return "peer:" + s.Node }
func (s *PeerSource) Scope() string { return cachestore.PeerScope(s.Node) }

func (s *PeerSource) Fetch(ctx context.Context, token string, limit int) (model.Batch, error) {
	return s.Querier.QueryPeerFeed(ctx, s.Node, token, limit)
}

// SnapshotSource pages through one channel of a node's static snapshot.
// Its tokens are offsets into the channel's sorted posts.
type SnapshotSource struct {
	Snapshots *Snapshots
	Node      string
	ChannelID string
	// LiveSource, if set, is refreshed in the background after this
	// source is read.
	LiveSource Source
}

func (s *SnapshotSource) ID() string    { return "snapshot:" + s.Node + ":" + s.ChannelID }
func (s *SnapshotSource) Scope() string { return cachestore.SnapshotScope(s.Node) }
func (s *SnapshotSource) Live() Source  { return s.LiveSource }

func (s *SnapshotSource) Fetch(ctx context.Context, token string, limit int) (model.Batch, error) {
	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return model.Batch{}, fmt.Errorf("bad snapshot token %q", token)
		}
		start = n
	}
	snap, err := s.Snapshots.Load(ctx, s.Node)
	if err != nil {
		return model.Batch{}, err
	}
	posts := slices.Clone(snap.ChannelPosts(s.ChannelID))
	slices.SortFunc(posts, model.CompareFeedItems)

	start = min(start, len(posts))
	end := min(start+limit, len(posts))
	b := model.Batch{Items: posts[start:end], Done: end == len(posts)}
	if !b.Done {
		b.NextToken = strconv.Itoa(end)
	}
	return b, nil
}
