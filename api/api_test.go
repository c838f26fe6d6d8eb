package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ts4z/feedsync/cachestore"
	"github.com/ts4z/feedsync/errs"
	"github.com/ts4z/feedsync/feed"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/social"
)

type pager struct {
	last   feed.Query
	cursor string
	err    error
}

func (p *pager) FetchPage(ctx context.Context, q feed.Query, cursor string) (*feed.Page, error) {
	p.last, p.cursor = q, cursor
	if p.err != nil {
		return nil, p.err
	}
	return &feed.Page{Items: []*model.FeedItem{{ID: "p1"}}, NextCursor: "next"}, nil
}

type writer struct {
	emoji, removed string
	ref            social.PostRef
	err            error
}

func (w *writer) SavePost(ctx context.Context, ch model.Channel, post *model.FeedItem) (*model.FeedItem, error) {
	out := post.Clone()
	out.ID = "srv-1"
	out.Channel = ch.ID
	return out, w.err
}

func (w *writer) SaveComment(ctx context.Context, ref social.PostRef, comment *model.FeedItem) (*model.FeedItem, error) {
	w.ref = ref
	out := comment.Clone()
	out.ID = "srv-c"
	return out, w.err
}

func (w *writer) SaveEmoji(ctx context.Context, ref social.PostRef, emoji string) (*model.ReactionSummary, error) {
	w.ref, w.emoji = ref, emoji
	if w.err != nil {
		return nil, w.err
	}
	return &model.ReactionSummary{TotalCount: 1, MyReactions: []string{emoji}}, nil
}

func (w *writer) RemoveEmoji(ctx context.Context, ref social.PostRef, emoji string) (*model.ReactionSummary, error) {
	w.ref, w.removed = ref, emoji
	return &model.ReactionSummary{}, w.err
}

func newTestApp(t *testing.T, p *pager, w *writer) (*App, *cachestore.Store) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := cachestore.New(cachestore.Options{Clock: clock})
	t.Cleanup(store.Close)
	app := New(&Config{
		Pager:          p,
		Writer:         w,
		Changes:        store,
		Clock:          clock,
		LocalNode:      "frodo.example",
		AllowedOrigins: []string{"https://frodo.example"},
	})
	return app, store
}

func serve(app *App, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, r)
	return rec
}

func TestFeed(t *testing.T) {
	cases := []struct {
		name     string
		target   string
		header   map[string]string
		wantCode int
		want     feed.Query
	}{
		{
			name:     "default is my feed",
			target:   "/api/feed",
			header:   map[string]string{"Authorization": "Bearer tok"},
			wantCode: http.StatusOK,
			want:     feed.Query{Kind: feed.MyFeed},
		},
		{
			name:     "anonymous channel",
			target:   "/api/feed?kind=channel&node=sam.example&channel=public&fresh=true",
			wantCode: http.StatusOK,
			want:     feed.Query{Kind: feed.ChannelFeed, Node: "sam.example", Channel: "public", Anonymous: true, ForceFresh: true},
		},
		{
			name:     "unknown kind",
			target:   "/api/feed?kind=rss",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "channel without channel",
			target:   "/api/feed?kind=channel",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "anonymous my feed",
			target:   "/api/feed?kind=my",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "anonymous social feed",
			target:   "/api/feed?kind=social",
			header:   map[string]string{"Authorization": "Basic abc"},
			wantCode: http.StatusUnauthorized,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := &pager{}
			app, _ := newTestApp(t, p, &writer{})
			rec := serve(app, http.MethodGet, c.target, "", c.header)
			if rec.Code != c.wantCode {
				t.Fatalf("code = %d, want %d: %s", rec.Code, c.wantCode, rec.Body)
			}
			if c.wantCode != http.StatusOK {
				return
			}
			if p.last != c.want {
				t.Errorf("query = %+v, want %+v", p.last, c.want)
			}
			var page feed.Page
			if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
				t.Fatalf("decode page: %v", err)
			}
			if len(page.Items) != 1 || page.NextCursor != "next" {
				t.Errorf("page = %+v", page)
			}
		})
	}
}

func TestFeedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.ErrAllSourcesFailed, http.StatusBadGateway},
		{errs.ErrSuperseded, http.StatusConflict},
		{errs.Statusf(http.StatusBadRequest, "bad cursor"), http.StatusBadRequest},
	}
	for _, c := range cases {
		app, _ := newTestApp(t, &pager{err: c.err}, &writer{})
		rec := serve(app, http.MethodGet, "/api/feed?cursor=abc", "", map[string]string{"Authorization": "Bearer tok"})
		if rec.Code != c.want {
			t.Errorf("%v: code = %d, want %d", c.err, rec.Code, c.want)
		}
	}
}

func TestReactions(t *testing.T) {
	w := &writer{}
	app, _ := newTestApp(t, &pager{}, w)
	body := `{"drive":{"alias":"c1","type":"channel"},"fileId":"p1","emoji":"👍"}`

	rec := serve(app, http.MethodPost, "/api/reactions", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST code = %d: %s", rec.Code, rec.Body)
	}
	if w.emoji != "👍" || w.ref.FileID != "p1" || w.ref.Drive.Alias != "c1" {
		t.Errorf("SaveEmoji saw %q %+v", w.emoji, w.ref)
	}

	rec = serve(app, http.MethodDelete, "/api/reactions", body, nil)
	if rec.Code != http.StatusOK || w.removed != "👍" {
		t.Errorf("DELETE code = %d, removed %q", rec.Code, w.removed)
	}

	if rec := serve(app, http.MethodPost, "/api/reactions", `{"fileId":"p1"}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing emoji code = %d", rec.Code)
	}
	if rec := serve(app, http.MethodPost, "/api/reactions", `{`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json code = %d", rec.Code)
	}
}

func TestHardWriteErrorReachesClient(t *testing.T) {
	w := &writer{err: &errs.HardWriteError{Key: "k", Err: errors.New("node down")}}
	app, _ := newTestApp(t, &pager{}, w)
	body := `{"drive":{"alias":"c1","type":"channel"},"fileId":"p1","emoji":"👍"}`
	if rec := serve(app, http.MethodPost, "/api/reactions", body, nil); rec.Code != http.StatusBadGateway {
		t.Errorf("code = %d, want 502", rec.Code)
	}
}

func TestPost(t *testing.T) {
	app, _ := newTestApp(t, &pager{}, &writer{})
	body := `{"channel":{"id":"c1","drive":{"alias":"c1","type":"channel"}},"item":{"content":{"text":"hi"}}}`
	rec := serve(app, http.MethodPost, "/api/posts", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	var saved model.FeedItem
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if saved.ID != "srv-1" || saved.Channel != "c1" {
		t.Errorf("saved = %+v", saved)
	}

	if rec := serve(app, http.MethodPost, "/api/posts", `{"item":{}}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("post without channel code = %d", rec.Code)
	}
}

func TestComment(t *testing.T) {
	w := &writer{}
	app, _ := newTestApp(t, &pager{}, w)
	body := `{"drive":{"alias":"c1","type":"channel"},"fileId":"p1","item":{}}`
	if rec := serve(app, http.MethodPost, "/api/comments", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	if w.ref.FileID != "p1" {
		t.Errorf("comment on %+v", w.ref)
	}
}

func TestCORSPreflight(t *testing.T) {
	app, _ := newTestApp(t, &pager{}, &writer{})
	rec := serve(app, http.MethodOptions, "/api/reactions", "", map[string]string{
		"Origin":                        "https://frodo.example",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://frodo.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestChangesStream(t *testing.T) {
	app, store := newTestApp(t, &pager{}, &writer{})
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/changes?prefix=feed", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	store.Set(cachestore.NewKey(cachestore.NSPost, "c1:channel", "p1"), "ignored")
	store.Set(cachestore.FeedKey("my", ""), "page")

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev changeEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if ev.Key != "feed/my" || ev.Kind != "updated" {
			t.Errorf("event = %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended: %v", sc.Err())
}
