package cachestore

import (
	"net/url"
	"strings"
)

// Namespaces in use.  Nothing enforces this list; it is here so the call
// sites agree on spelling.
const (
	NSFeed      = "feed"
	NSSource    = "source"
	NSPost      = "post"
	NSReactions = "reactions"
	NSComments  = "comments"
)

// Key is structured where it is built and a string where it is stored.  Two
// keys are the same entry iff their String forms are equal.
type Key struct {
	Namespace string
	Scope     string
	Params    []string
}

func NewKey(namespace, scope string, params ...string) Key {
	return Key{Namespace: namespace, Scope: scope, Params: params}
}

// NamespaceKey is the prefix covering every key in a namespace.
func NamespaceKey(namespace string) Key {
	return Key{Namespace: namespace}
}

// String is the canonical form: escaped components joined by "/", with
// trailing empty components dropped so that a bare namespace works as a
// prefix.
func (k Key) String() string {
	parts := make([]string, 0, 2+len(k.Params))
	parts = append(parts, url.PathEscape(k.Namespace), url.PathEscape(k.Scope))
	for _, p := range k.Params {
		parts = append(parts, url.PathEscape(p))
	}
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, "/")
}

// With returns a key extended by more params.
func (k Key) With(params ...string) Key {
	p := make([]string, 0, len(k.Params)+len(params))
	p = append(p, k.Params...)
	p = append(p, params...)
	return Key{Namespace: k.Namespace, Scope: k.Scope, Params: p}
}

// ParseKey reverses String.  Trailing empty params don't come back.
func ParseKey(s string) (Key, error) {
	raw := strings.Split(s, "/")
	parts := make([]string, len(raw))
	for i, r := range raw {
		p, err := url.PathUnescape(r)
		if err != nil {
			return Key{}, err
		}
		parts[i] = p
	}
	k := Key{Namespace: parts[0]}
	if len(parts) > 1 {
		k.Scope = parts[1]
	}
	if len(parts) > 2 {
		k.Params = parts[2:]
	}
	return k, nil
}

// hasPrefix matches whole components: "feed/abc" covers "feed/abc/x" but
// not "feed/abcd".
func hasPrefix(key, prefix string) bool {
	if prefix == "" || key == prefix {
		return true
	}
	return strings.HasPrefix(key, prefix) && key[len(prefix)] == '/'
}

// FeedKey addresses one merged page.  query is the canonical query string
// and cursor the encoded composite cursor ("" for the first page).
func FeedKey(query, cursor string) Key {
	return NewKey(NSFeed, query, cursor)
}

// SourceKey addresses one batch from one source.  scope is the drive the
// source reads (or "peer:<node>", "snapshot:<node>") so push events can
// invalidate every batch read from it.
func SourceKey(scope, sourceID, token string) Key {
	return NewKey(NSSource, scope, sourceID, token)
}

func PostKey(drive, fileID string) Key {
	return NewKey(NSPost, drive, fileID)
}

func ReactionsKey(drive, fileID string) Key {
	return NewKey(NSReactions, drive, fileID)
}

func CommentsKey(drive, fileID string) Key {
	return NewKey(NSComments, drive, fileID)
}

// PeerScope is the source scope for batches read from a peer node.
func PeerScope(node string) string {
	return "peer:" + node
}

// SnapshotScope is the source scope for a node's static snapshot.
func SnapshotScope(node string) string {
	return "snapshot:" + node
}
