// Package id2ctx lifts the caller's credentials out of request headers and
// into the context, so handlers can tell an owner from an anonymous
// visitor without parsing headers themselves.
package id2ctx

import (
	"context"
	"net/http"
	"strings"

	"github.com/ts4z/feedsync/dep"
	"github.com/ts4z/feedsync/model"
)

type contextKey struct{}

// FromContext returns the request's identity, or nil for an anonymous
// request.
func FromContext(ctx context.Context) *model.Identity {
	id, _ := ctx.Value(contextKey{}).(*model.Identity)
	return id
}

func WithIdentity(ctx context.Context, id *model.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// fromHeader is the inverse of model.Identity.Header.
func fromHeader(h http.Header, localNode string) *model.Identity {
	id := &model.Identity{
		LocalNode:    localNode,
		SharedSecret: h.Get("X-Shared-Secret"),
		PeerNode:     h.Get("X-Caller-Node"),
	}
	if auth := h.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			id.Bearer = strings.TrimSpace(tok)
		}
	}
	if !id.Authenticated() {
		return nil
	}
	return id
}

type IdentityToContext struct {
	localNode string
	next      http.Handler
}

func (c *IdentityToContext) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if id := fromHeader(r.Header, c.localNode); id != nil {
		r = r.WithContext(WithIdentity(r.Context(), id))
	}
	c.next.ServeHTTP(w, r)
}

type Config struct {
	LocalNode string
	Next      http.Handler
}

func Handler(cf *Config) http.Handler {
	return &IdentityToContext{
		localNode: cf.LocalNode,
		next:      dep.Required(cf.Next),
	}
}
