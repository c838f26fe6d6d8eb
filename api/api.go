// Package api is the HTTP surface the UI talks to: paged feeds, writes,
// and a stream of cache changes so the UI knows what to re-read.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/ts4z/feedsync/cachestore"
	"github.com/ts4z/feedsync/dep"
	"github.com/ts4z/feedsync/errs"
	"github.com/ts4z/feedsync/feed"
	"github.com/ts4z/feedsync/middleware"
	"github.com/ts4z/feedsync/middleware/id2ctx"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/social"
	"github.com/ts4z/feedsync/varz"
)

var (
	pagesServed                = varz.NewInt("pagesServed")
	changeStreams              = varz.NewInt("changeStreams")
	changesSent                = varz.NewInt("changesSent")
	changesDropped             = varz.NewInt("changesDropped")
	clientClosedWhileStreaming = varz.NewInt("clientClosedWhileStreaming")
)

// Pager reads feed pages.  feed.Aggregator implements it.
type Pager interface {
	FetchPage(ctx context.Context, q feed.Query, cursor string) (*feed.Page, error)
}

// Writer makes the user's changes.  social.Service implements it.
type Writer interface {
	SavePost(ctx context.Context, ch model.Channel, post *model.FeedItem) (*model.FeedItem, error)
	SaveComment(ctx context.Context, ref social.PostRef, comment *model.FeedItem) (*model.FeedItem, error)
	SaveEmoji(ctx context.Context, ref social.PostRef, emoji string) (*model.ReactionSummary, error)
	RemoveEmoji(ctx context.Context, ref social.PostRef, emoji string) (*model.ReactionSummary, error)
}

// Changes is the cache's change feed.  cachestore.Store implements it.
type Changes interface {
	Subscribe(prefix cachestore.Key, fn cachestore.Listener) func()
}

const DefaultKeepAlive = 30 * time.Second

type nower interface {
	Now() time.Time
}

type Config struct {
	Pager          Pager
	Writer         Writer
	Changes        Changes
	Clock          nower
	LocalNode      string
	AllowedOrigins []string
	// KeepAlive is how often an idle change stream gets a comment line.
	KeepAlive time.Duration
}

// App routes the API.
type App struct {
	pager     Pager
	writer    Writer
	changes   Changes
	clock     nower
	keepAlive time.Duration

	mux     *http.ServeMux
	handler http.Handler
}

func New(config *Config) *App {
	app := &App{
		pager:     dep.Required(config.Pager),
		writer:    dep.Required(config.Writer),
		changes:   dep.Required(config.Changes),
		clock:     dep.Required(config.Clock),
		keepAlive: config.KeepAlive,
		mux:       http.NewServeMux(),
	}
	if app.keepAlive <= 0 {
		app.keepAlive = DefaultKeepAlive
	}

	// Stack the handlers together.
	i2c := id2ctx.Handler(&id2ctx.Config{
		LocalNode: config.LocalNode,
		Next:      app.mux,
	})
	logger := middleware.NewRequestLogger(i2c, app.clock)
	for _, origin := range config.AllowedOrigins {
		log.Printf("CORS allowing origin %s", origin)
	}
	corsMW := cors.New(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Shared-Secret", "X-Caller-Node"},
		AllowCredentials: true,
	})
	app.handler = corsMW.Handler(logger)

	app.InstallHandlers()
	return app
}

// Handler returns the configured HTTP handler.
func (app *App) Handler() http.Handler {
	return app.handler
}

// sendError writes err with the status errs.Status picks for it.
func sendError(w http.ResponseWriter, while string, err error) {
	code := errs.Status(err)
	txt := fmt.Sprintf("can't %s: %v", while, err)
	if code >= 500 {
		log.Println(txt)
	}
	http.Error(w, txt, code)
}

func sendJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	if err != nil {
		sendError(w, "marshal response", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(bytes)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Statusf(http.StatusBadRequest, "decoding json: %w", err)
	}
	return nil
}

func (app *App) handleFunc(pattern string, handler func(context.Context, http.ResponseWriter, *http.Request)) {
	app.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		handler(r.Context(), w, r)
	})
}

// queryFromRequest reads kind, node, channel and fresh.  A request without
// credentials reads channels as an anonymous visitor and nothing else.
func queryFromRequest(r *http.Request) (feed.Query, error) {
	v := r.URL.Query()
	kind := feed.MyFeed
	var err error
	if s := v.Get("kind"); s != "" {
		if kind, err = feed.ParseKind(s); err != nil {
			return feed.Query{}, errs.Statusf(http.StatusBadRequest, "%w", err)
		}
	}
	q := feed.Query{
		Kind:      kind,
		Node:      v.Get("node"),
		Channel:   v.Get("channel"),
		Anonymous: !id2ctx.FromContext(r.Context()).Authenticated(),
	}
	if s := v.Get("fresh"); s != "" {
		if q.ForceFresh, err = strconv.ParseBool(s); err != nil {
			return feed.Query{}, errs.Statusf(http.StatusBadRequest, "bad fresh=%q", s)
		}
	}
	if kind == feed.ChannelFeed && q.Channel == "" {
		return feed.Query{}, errs.Statusf(http.StatusBadRequest, "channel feed needs a channel")
	}
	if err := q.Check(); err != nil {
		return feed.Query{}, err
	}
	return q, nil
}

func (app *App) handleFeed(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	q, err := queryFromRequest(r)
	if err != nil {
		sendError(w, "parse feed query", err)
		return
	}
	page, err := app.pager.FetchPage(ctx, q, r.URL.Query().Get("cursor"))
	if err != nil {
		sendError(w, "read "+q.Key(), err)
		return
	}
	pagesServed.Add(1)
	sendJSON(w, page)
}

type postRequest struct {
	Channel model.Channel   `json:"channel"`
	Item    *model.FeedItem `json:"item"`
}

func (app *App) handlePost(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, "save post", err)
		return
	}
	if req.Item == nil || req.Channel.ID == "" || req.Channel.Drive.IsZero() {
		sendError(w, "save post", errs.Statusf(http.StatusBadRequest, "post needs an item and a channel"))
		return
	}
	saved, err := app.writer.SavePost(ctx, req.Channel, req.Item)
	if err != nil {
		sendError(w, "save post", err)
		return
	}
	sendJSON(w, saved)
}

type commentRequest struct {
	Drive  model.DriveScope `json:"drive"`
	FileID string           `json:"fileId"`
	Item   *model.FeedItem  `json:"item"`
}

func (app *App) handleComment(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, "save comment", err)
		return
	}
	if req.Item == nil || req.FileID == "" {
		sendError(w, "save comment", errs.Statusf(http.StatusBadRequest, "comment needs an item and a post"))
		return
	}
	saved, err := app.writer.SaveComment(ctx, social.PostRef{Drive: req.Drive, FileID: req.FileID}, req.Item)
	if err != nil {
		sendError(w, "save comment", err)
		return
	}
	sendJSON(w, saved)
}

type reactionRequest struct {
	Drive  model.DriveScope `json:"drive"`
	FileID string           `json:"fileId"`
	Emoji  string           `json:"emoji"`
}

// handleReaction adds on POST and removes on DELETE.
func (app *App) handleReaction(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, "react", err)
		return
	}
	if req.FileID == "" || req.Emoji == "" {
		sendError(w, "react", errs.Statusf(http.StatusBadRequest, "reaction needs a post and an emoji"))
		return
	}
	ref := social.PostRef{Drive: req.Drive, FileID: req.FileID}
	change := app.writer.SaveEmoji
	if r.Method == http.MethodDelete {
		change = app.writer.RemoveEmoji
	}
	summary, err := change(ctx, ref, req.Emoji)
	if err != nil {
		sendError(w, "react", err)
		return
	}
	sendJSON(w, summary)
}

type changeEvent struct {
	Key  string `json:"key"`
	Kind string `json:"kind"`
}

// handleChanges streams cache changes under ?prefix= as server-sent
// events.  Changes that arrive faster than the client reads are dropped;
// the client re-reads on the next one anyway.
func (app *App) handleChanges(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, "stream changes", errs.Statusf(http.StatusInternalServerError, "streaming unsupported"))
		return
	}
	prefix, err := cachestore.ParseKey(r.URL.Query().Get("prefix"))
	if err != nil {
		sendError(w, "stream changes", errs.Statusf(http.StatusBadRequest, "bad prefix: %w", err))
		return
	}

	ch := make(chan cachestore.Change, 64)
	unsubscribe := app.changes.Subscribe(prefix, func(c cachestore.Change) {
		select {
		case ch <- c:
		default:
			changesDropped.Add(1)
		}
	})
	defer unsubscribe()
	changeStreams.Add(1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	tick := time.NewTicker(app.keepAlive)
	defer tick.Stop()
	for {
		select {
		case c := <-ch:
			bytes, err := json.Marshal(changeEvent{Key: c.Key, Kind: c.Kind.String()})
			if err != nil {
				log.Printf("api: can't marshal change %+v: %v", c, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", bytes); err != nil {
				return
			}
			flusher.Flush()
			changesSent.Add(1)
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			clientClosedWhileStreaming.Add(1)
			return
		}
	}
}

// InstallHandlers registers all HTTP routes.
func (app *App) InstallHandlers() {
	app.handleFunc("GET /api/feed", app.handleFeed)

	app.handleFunc("POST /api/posts", app.handlePost)

	app.handleFunc("POST /api/comments", app.handleComment)

	app.handleFunc("POST /api/reactions", app.handleReaction)
	app.handleFunc("DELETE /api/reactions", app.handleReaction)

	app.handleFunc("GET /api/changes", app.handleChanges)

	app.mux.Handle("GET /debug/vars", http.DefaultServeMux)
}

// Wrapper to just return the input context.
func contextualizer(ctx context.Context) func(net.Listener) context.Context {
	return func(_ net.Listener) context.Context {
		return ctx
	}
}

// Serve runs the HTTP server until ctx is done.
func (app *App) Serve(ctx context.Context, listenAddress string) error {
	server := &http.Server{
		Addr:         listenAddress,
		Handler:      app.handler,
		BaseContext:  contextualizer(ctx),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // change streams are long-lived
		IdleTimeout:  12 * time.Hour,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("server exited: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Printf("api: shutting down")
		return server.Shutdown(shutdownCtx)
	}
}
