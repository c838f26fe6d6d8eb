package model

import (
	"encoding/json"
	"strings"
	"time"
)

// FileTypeDraft marks an unpublished item.  Drafts never take part in a
// merged feed.
const FileTypeDraft = 2

// DriveScope identifies a drive (channel, feed, reaction store...) on a node.
// Notifications and queries are partitioned by it.
type DriveScope struct {
	Alias string `json:"alias"`
	Type  string `json:"type"`
}

func (d DriveScope) String() string {
	return d.Alias + ":" + d.Type
}

// IsZero reports whether the scope is unset.
func (d DriveScope) IsZero() bool {
	return d.Alias == "" && d.Type == ""
}

// FeedItem is one post, comment or reaction-bearing file as the feed sees it.
type FeedItem struct {
	ID              string     `json:"id"`
	GlobalTransitID string     `json:"globalTransitId,omitempty"`
	AuthorNode      string     `json:"authorNode"`
	Channel         string     `json:"channel,omitempty"`
	Drive           DriveScope `json:"drive"`
	FileType        int        `json:"fileType"`
	Created         time.Time  `json:"created"`
	UserDate        time.Time  `json:"userDate,omitzero"`
	VersionTag      string     `json:"versionTag"`

	// Access is carried through untouched; nothing in this module
	// interprets it.
	Access  json.RawMessage `json:"access,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// OrderKey is the timestamp the feed sorts on: the author-supplied date when
// there is one, the creation time otherwise.
func (fi *FeedItem) OrderKey() time.Time {
	if !fi.UserDate.IsZero() {
		return fi.UserDate
	}
	return fi.Created
}

func (fi *FeedItem) IsDraft() bool {
	return fi.FileType == FileTypeDraft
}

// Newer reports whether a sorts before b in a feed: newest first, ties
// broken by id so the order is total.
func Newer(a, b *FeedItem) bool {
	ak, bk := a.OrderKey(), b.OrderKey()
	if !ak.Equal(bk) {
		return ak.After(bk)
	}
	return strings.Compare(a.ID, b.ID) > 0
}

// CompareFeedItems is Newer in slices.SortFunc form.
func CompareFeedItems(a, b *FeedItem) int {
	switch {
	case Newer(a, b):
		return -1
	case Newer(b, a):
		return 1
	default:
		return 0
	}
}

func (fi *FeedItem) Clone() *FeedItem {
	c := *fi
	c.Access = cloneRaw(fi.Access)
	c.Content = cloneRaw(fi.Content)
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}

// CloneItems copies a slice of items.  Cached slices are shared between
// readers, so anything that wants to rearrange one copies it first.
func CloneItems(items []*FeedItem) []*FeedItem {
	if items == nil {
		return nil
	}
	out := make([]*FeedItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// ReactionSummary is the per-post emoji tally.
type ReactionSummary struct {
	TotalCount  int            `json:"totalCount"`
	Emojis      map[string]int `json:"emojis,omitempty"`
	MyReactions []string       `json:"myReactions,omitempty"`
	VersionTag  string         `json:"versionTag,omitempty"`
}

func (rs *ReactionSummary) Clone() *ReactionSummary {
	c := *rs
	if rs.Emojis != nil {
		c.Emojis = make(map[string]int, len(rs.Emojis))
		for k, v := range rs.Emojis {
			c.Emojis[k] = v
		}
	}
	if rs.MyReactions != nil {
		c.MyReactions = append([]string(nil), rs.MyReactions...)
	}
	return &c
}

// Channel is a publishing channel as listed in a node's static snapshot.
type Channel struct {
	ID    string     `json:"id"`
	Slug  string     `json:"slug"`
	Name  string     `json:"name"`
	Drive DriveScope `json:"drive"`
}

// Snapshot is the pre-rendered public file a node publishes for anonymous
// visitors.
type Snapshot struct {
	Node      string                 `json:"node"`
	Generated time.Time              `json:"generated"`
	Channels  []Channel              `json:"channels"`
	Posts     map[string][]*FeedItem `json:"posts"`
}

// ChannelPosts returns the snapshot's posts for a channel id, or nil.
func (s *Snapshot) ChannelPosts(channelID string) []*FeedItem {
	if s == nil {
		return nil
	}
	return s.Posts[channelID]
}
