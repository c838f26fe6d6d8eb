package notify

import (
	"context"
	"log"

	"github.com/ts4z/feedsync/cachestore"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/varz"
)

var dispatchedInvalidations = varz.NewInt("dispatchedInvalidations")

// Invalidator is the part of the cache store the dispatcher needs.
type Invalidator interface {
	Invalidate(prefix cachestore.Key) int
}

// Dispatcher turns push events into cache invalidations, so the next read
// of anything the event touched goes back to the node.
//
// It doesn't refetch anything itself.  Readers that subscribed to the
// affected keys get told and decide for themselves.
type Dispatcher struct {
	store Invalidator
}

func NewDispatcher(store Invalidator) *Dispatcher {
	return &Dispatcher{store: store}
}

// DispatchFilter is the set of events the dispatcher acts on.
var DispatchFilter = model.TypeFilter{
	model.EventFileAdded,
	model.EventFileModified,
	model.EventFileDeleted,
	model.EventStatisticsChanged,
	model.EventReactionContentAdded,
	model.EventReactionContentDeleted,
}

// HandlerFor returns a Handler for events arriving from target.  Batches
// read from a peer are keyed by the peer rather than by drive, so the
// handler needs to know where the event came from.
func (d *Dispatcher) HandlerFor(target model.Target) Handler {
	return func(ctx context.Context, ev model.NotificationEvent) {
		d.consume(target, ev)
	}
}

func (d *Dispatcher) consume(target model.Target, ev model.NotificationEvent) {
	var keys []cachestore.Key
	switch e := ev.(type) {
	case model.FileAdded:
		keys = d.fileKeys(target, e.Header)
	case model.FileModified:
		keys = d.fileKeys(target, e.Header)
	case model.FileDeleted:
		keys = d.fileKeys(target, e.Header)
	case model.StatisticsChanged:
		keys = []cachestore.Key{
			cachestore.ReactionsKey(e.Drive.String(), e.FileID),
			cachestore.CommentsKey(e.Drive.String(), e.FileID),
		}
	case model.ReactionChanged:
		keys = []cachestore.Key{cachestore.ReactionsKey(e.Drive.String(), e.FileID)}
	default:
		return
	}

	n := 0
	for _, k := range keys {
		n += d.store.Invalidate(k)
	}
	dispatchedInvalidations.Add(int64(n))
	log.Printf("notify: %s on %s from %s invalidated %d entries", ev.Type(), ev.Scope(), target, n)
}

func (d *Dispatcher) fileKeys(target model.Target, h model.FileHeader) []cachestore.Key {
	drive := h.Drive.String()
	keys := []cachestore.Key{
		// Merged pages may hold this file whichever query built them.
		cachestore.NamespaceKey(cachestore.NSFeed),
		cachestore.NewKey(cachestore.NSSource, drive),
		cachestore.PostKey(drive, h.FileID),
	}
	if !target.IsLocal() {
		keys = append(keys, cachestore.NewKey(cachestore.NSSource, cachestore.PeerScope(target.Peer)))
	}
	return keys
}
