package feed

import (
	"context"
	"fmt"

	"github.com/ts4z/feedsync/dep"
	"github.com/ts4z/feedsync/model"
)

// ChannelLister lists the caller's own channels.
type ChannelLister interface {
	Channels(ctx context.Context) ([]model.Channel, error)
}

// PeerLister lists the peers the caller follows or is connected to.
type PeerLister interface {
	Peers(ctx context.Context) ([]string, error)
}

// PeerList is a fixed peer list, as configured.
type PeerList []string

func (pl PeerList) Peers(context.Context) ([]string, error) {
	return pl, nil
}

// SnapshotChannels lists a node's channels from its static snapshot.
type SnapshotChannels struct {
	Snapshots *Snapshots
	Node      string
}

func (sc SnapshotChannels) Channels(ctx context.Context) ([]model.Channel, error) {
	snap, err := sc.Snapshots.Load(ctx, sc.Node)
	if err != nil {
		return nil, fmt.Errorf("listing channels of %s: %w", sc.Node, err)
	}
	return snap.Channels, nil
}

type ResolverConfig struct {
	Identity  *model.Identity
	Querier   BatchQuerier
	Peers     PeerLister
	Channels  ChannelLister
	Snapshots *Snapshots
	// FeedDrive is the local drive peers push posts into.
	FeedDrive model.DriveScope
}

// NodeResolver builds source sets from the node's channel list, the peer
// list, and the snapshot.
type NodeResolver struct {
	identity  *model.Identity
	querier   BatchQuerier
	peerQ     PeerQuerier
	peers     PeerLister
	channels  ChannelLister
	snapshots *Snapshots
	feedDrive model.DriveScope
}

// NewResolver builds a NodeResolver.  querier must also implement
// PeerQuerier if social feeds are read.
func NewResolver(cf *ResolverConfig) *NodeResolver {
	r := &NodeResolver{
		identity:  dep.Required(cf.Identity),
		querier:   dep.Required(cf.Querier),
		peers:     cf.Peers,
		channels:  dep.Required(cf.Channels),
		snapshots: cf.Snapshots,
		feedDrive: cf.FeedDrive,
	}
	r.peerQ, _ = cf.Querier.(PeerQuerier)
	return r
}

func (r *NodeResolver) Sources(ctx context.Context, q Query) ([]Source, error) {
	switch q.Kind {
	case MyFeed:
		return r.own(ctx)
	case SocialFeed:
		return r.social(ctx)
	case ChannelFeed:
		return r.channel(ctx, q)
	}
	return nil, fmt.Errorf("unknown query kind %v", q.Kind)
}

func (r *NodeResolver) live(ch model.Channel) *LiveChannelSource {
	return &LiveChannelSource{
		Querier:   r.querier,
		Channel:   ch,
		Snapshots: r.snapshots,
		Node:      r.identity.LocalNode,
	}
}

func (r *NodeResolver) own(ctx context.Context) ([]Source, error) {
	chans, err := r.channels.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't list channels: %w", err)
	}
	out := make([]Source, 0, len(chans))
	for _, ch := range chans {
		out = append(out, r.live(ch))
	}
	return dedupe(out), nil
}

func (r *NodeResolver) social(ctx context.Context) ([]Source, error) {
	out := []Source{&OwnFeedSource{Querier: r.querier, Drive: r.feedDrive}}
	if r.peers == nil || r.peerQ == nil {
		return out, nil
	}
	peers, err := r.peers.Peers(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't list peers: %w", err)
	}
	for _, p := range peers {
		if p == r.identity.LocalNode {
			continue
		}
		out = append(out, &PeerSource{Querier: r.peerQ, Node: p})
	}
	return dedupe(out), nil
}

func (r *NodeResolver) channel(ctx context.Context, q Query) ([]Source, error) {
	node := q.Node
	if node == "" {
		node = r.identity.LocalNode
	}
	local := node == r.identity.LocalNode

	var ch model.Channel
	if local {
		chans, err := r.channels.Channels(ctx)
		if err != nil {
			return nil, fmt.Errorf("can't list channels: %w", err)
		}
		found := false
		for _, c := range chans {
			if c.ID == q.Channel || c.Slug == q.Channel {
				ch, found = c, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no channel %q on %s", q.Channel, node)
		}
	}

	if q.Anonymous || !local || !r.identity.Authenticated() {
		if r.snapshots == nil {
			return nil, fmt.Errorf("no snapshot loader for anonymous read of %s", node)
		}
		chanID := q.Channel
		if local {
			chanID = ch.ID
		}
		src := &SnapshotSource{Snapshots: r.snapshots, Node: node, ChannelID: chanID}
		if local && r.identity.Authenticated() {
			src.LiveSource = r.live(ch)
		}
		return []Source{src}, nil
	}
	return []Source{r.live(ch)}, nil
}
