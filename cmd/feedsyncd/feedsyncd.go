package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/ts4z/feedsync/api"
	"github.com/ts4z/feedsync/cachestore"
	"github.com/ts4z/feedsync/config"
	"github.com/ts4z/feedsync/fakes"
	"github.com/ts4z/feedsync/feed"
	"github.com/ts4z/feedsync/inbox"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/mutation"
	"github.com/ts4z/feedsync/notify"
	"github.com/ts4z/feedsync/persist"
	"github.com/ts4z/feedsync/query"
	"github.com/ts4z/feedsync/social"
	"github.com/ts4z/feedsync/transport"
)

// feedDrive is where a node collects what its peers send it.
var feedDrive = model.DriveScope{Alias: "feed", Type: "feed"}

// node is everything the daemon asks of the local node.  query.Client is
// the real one and fakes.Node the demo one.
type node interface {
	feed.BatchQuerier
	feed.PeerQuerier
	feed.SnapshotFetcher
	inbox.Processor
	social.Writer
}

type options struct {
	Identity         *model.Identity
	Peers            []string
	Node             node
	Transport        notify.Transport
	Clock            clockwork.Clock
	PersistConnector string
	PersistURL       string
	CursorSecrets    [][]byte
	AllowedOrigins   []string
}

type daemon struct {
	store      *cachestore.Store
	db         *sql.DB
	snapshots  *feed.Snapshots
	aggregator *feed.Aggregator
	engine     *mutation.Engine
	drainer    *inbox.Drainer
	subscriber *notify.Subscriber
	dispatcher *notify.Dispatcher
	app        *api.App
	peers      []string
	localNode  string
}

func newDaemon(ctx context.Context, o *options) (*daemon, error) {
	d := &daemon{peers: o.Peers, localNode: o.Identity.LocalNode}
	d.store = cachestore.New(cachestore.Options{
		Size:       config.CacheSize(),
		StaleAfter: config.StaleAfter(),
		Clock:      o.Clock,
	})

	db, dialect, err := persist.Connect(ctx, o.PersistConnector, o.PersistURL)
	if err != nil {
		return nil, err
	}
	d.db = db
	saved, err := persist.NewSnapshotStore(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	d.snapshots = feed.NewSnapshots(o.Node, d.store, saved)

	codec, err := feed.NewCursorCodec(o.CursorSecrets...)
	if err != nil {
		db.Close()
		return nil, err
	}
	d.aggregator = feed.New(&feed.Config{
		Store: d.store,
		Resolver: feed.NewResolver(&feed.ResolverConfig{
			Identity:  o.Identity,
			Querier:   o.Node,
			Peers:     feed.PeerList(o.Peers),
			Channels:  feed.SnapshotChannels{Snapshots: d.snapshots, Node: o.Identity.LocalNode},
			Snapshots: d.snapshots,
			FeedDrive: feedDrive,
		}),
		Codec:        codec,
		Clock:        o.Clock,
		PageSize:     config.PageSize(),
		FetchTimeout: config.FetchTimeout(),
		RefreshDelay: config.RefreshDelay(),
	})

	d.engine = mutation.NewEngine(&mutation.Config{
		Store:       d.store,
		Clock:       o.Clock,
		SettleDelay: config.SettleDelay(),
	})

	d.drainer = inbox.New(&inbox.Config{
		Processor: o.Node,
		BatchSize: config.InboxBatchSize(),
		Timeout:   config.DrainTimeout(),
	})
	d.subscriber = notify.NewSubscriber(&notify.Config{
		Transport:    o.Transport,
		Clock:        o.Clock,
		Trigger:      d.drainer,
		BatchSize:    config.InboxBatchSize(),
		ReconnectMin: config.ReconnectMin(),
		ReconnectMax: config.ReconnectMax(),
	})
	d.dispatcher = notify.NewDispatcher(d.store)

	d.app = api.New(&api.Config{
		Pager:          d.aggregator,
		Writer:         social.New(&social.Config{Engine: d.engine, Writer: o.Node}),
		Changes:        d.store,
		Clock:          o.Clock,
		LocalNode:      o.Identity.LocalNode,
		AllowedOrigins: o.AllowedOrigins,
	})
	return d, nil
}

// ownDrives is every drive on the local node we read: the channels, and
// the feed drive.
func (d *daemon) ownDrives(ctx context.Context) []model.DriveScope {
	drives := []model.DriveScope{feedDrive}
	chans, err := feed.SnapshotChannels{Snapshots: d.snapshots, Node: d.localNode}.Channels(ctx)
	if err != nil {
		log.Printf("feedsyncd: can't list own channels, subscribing to the feed drive only: %v", err)
		return drives
	}
	for _, ch := range chans {
		drives = append(drives, ch.Drive)
	}
	return drives
}

// start drains the inboxes and subscribes to push events from the local
// node and every peer.
func (d *daemon) start(ctx context.Context) {
	drives := d.ownDrives(ctx)
	for drive, err := range d.drainer.Startup(ctx, drives) {
		if err != nil {
			log.Printf("feedsyncd: startup drain of %s failed: %v", drive, err)
		}
	}
	d.subscriber.Register(model.LocalTarget, drives, notify.DispatchFilter, d.dispatcher.HandlerFor(model.LocalTarget))
	for _, peer := range d.peers {
		target := model.PeerTarget(peer)
		d.subscriber.Register(target, []model.DriveScope{feedDrive}, notify.DispatchFilter, d.dispatcher.HandlerFor(target))
	}
}

func (d *daemon) close() {
	d.subscriber.Close()
	d.aggregator.Close()
	d.engine.Close()
	d.drainer.Wait()
	d.store.Close()
	if err := d.db.Close(); err != nil {
		log.Printf("feedsyncd: closing database: %v", err)
	}
}

func cursorSecrets() [][]byte {
	var out [][]byte
	for _, s := range config.CursorSecrets() {
		out = append(out, []byte(s))
	}
	if len(out) == 0 {
		log.Printf("feedsyncd: no cursor_secret configured; cursors won't survive a restart")
		out = append(out, []byte(rand.Text()))
	}
	return out
}

func main() {
	demo := flag.Bool("demo", false, "serve an in-memory node instead of talking to a real one")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	config.Init()

	clock := clockwork.NewRealClock()
	identity := config.Identity()
	o := &options{
		Identity:         identity,
		Peers:            config.Peers(),
		Clock:            clock,
		PersistConnector: config.PersistConnector(),
		PersistURL:       config.PersistURL(),
		CursorSecrets:    cursorSecrets(),
		AllowedOrigins:   config.AllowedOrigins(),
	}
	if *demo {
		if identity.LocalNode == "" {
			identity.LocalNode = "frodo.example"
		}
		o.Node = fakes.NewDemoNode(identity.LocalNode, clock.Now())
		o.Transport = fakes.NewTransport()
	} else {
		if identity.LocalNode == "" {
			log.Fatalf("local_node is not configured")
		}
		o.Node = query.New(&query.Config{Identity: identity})
		o.Transport = transport.New(&transport.Config{Identity: identity, Clock: clock})
	}

	d, err := newDaemon(ctx, o)
	if err != nil {
		log.Fatalf("can't start: %v", err)
	}
	defer d.close()
	d.start(ctx)

	if err := d.app.Serve(ctx, config.ListenAddress()); err != nil {
		fmt.Fprintf(os.Stderr, "feedsyncd: %v\n", err)
	}
}
