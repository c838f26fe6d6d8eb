package feed

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"

	"github.com/ts4z/feedsync/errs"
)

type Kind int

const (
	// MyFeed is the caller's own channels, read live.
	MyFeed Kind = iota
	// SocialFeed is the local feed drive plus every followed peer.
	SocialFeed
	// ChannelFeed is one channel on one node.
	ChannelFeed
)

func (k Kind) String() string {
	switch k {
	case MyFeed:
		return "my"
	case SocialFeed:
		return "social"
	case ChannelFeed:
		return "channel"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{MyFeed, SocialFeed, ChannelFeed} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown feed kind %q", s)
}

// Query names what to read.
type Query struct {
	Kind Kind
	// Node and Channel select the channel for ChannelFeed.  Node defaults
	// to the local node.
	Node    string
	Channel string
	// Anonymous reads a channel the way a visitor would: from the static
	// snapshot.
	Anonymous bool
	// ForceFresh skips cached pages and batches.
	ForceFresh bool
}

// Check rejects a query the caller may not make.  Only a channel can be
// read anonymously; the other kinds are the owner's own view.
func (q Query) Check() error {
	if q.Anonymous && q.Kind != ChannelFeed {
		return errs.Statusf(http.StatusUnauthorized, "the %s feed needs credentials", q.Kind)
	}
	return nil
}

// Key is the canonical form of q used in cache keys.  ForceFresh is not
// part of it.
func (q Query) Key() string {
	switch q.Kind {
	case ChannelFeed:
		mode := "live"
		if q.Anonymous {
			mode = "anon"
		}
		return strings.Join([]string{q.Kind.String(), q.Node, q.Channel, mode}, ":")
	default:
		return q.Kind.String()
	}
}

// Resolver decides which sources a query reads.
type Resolver interface {
	Sources(ctx context.Context, q Query) ([]Source, error)
}

// Static is a Resolver that always returns the same sources.
type Static []Source

func (s Static) Sources(context.Context, Query) ([]Source, error) {
	return s, nil
}

func sourceIDs(sources []Source) []string {
	ids := make([]string, len(sources))
	for i, s := range sources {
		ids[i] = s.ID()
	}
	return ids
}

// dedupe drops sources whose id was already seen.
func dedupe(sources []Source) []Source {
	var seen []string
	out := sources[:0:0]
	for _, s := range sources {
		if slices.Contains(seen, s.ID()) {
			log.Printf("feed: duplicate source %s dropped", s.ID())
			continue
		}
		seen = append(seen, s.ID())
		out = append(out, s)
	}
	return out
}
