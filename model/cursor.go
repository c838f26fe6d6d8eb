package model

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// Cursor records how far one source has been read.
//
// Token is the source's own continuation token; "" with Exhausted unset means
// "from the beginning".  Last and LastID name the last item handed out from
// the source (its order key in unix nanoseconds, and its id).  A resumed read
// skips everything at or ahead of that item in feed order, so a batch that
// shifted since the last page can't hand anything out twice.
type Cursor struct {
	SourceID  string `json:"s"`
	Token     string `json:"t,omitempty"`
	Last      int64  `json:"l,omitempty"`
	LastID    string `json:"i,omitempty"`
	Exhausted bool   `json:"x,omitempty"`
}

// MarkDelivered records it as the last item handed out from the source.
func (c *Cursor) MarkDelivered(it *FeedItem) {
	c.Last = it.OrderKey().UnixNano()
	c.LastID = it.ID
}

// Delivered reports whether it sorts at or ahead of the last item handed
// out, which means it was either delivered already or arrived after the
// reader went past its place.
func (c Cursor) Delivered(it *FeedItem) bool {
	if c.LastID == "" {
		return false
	}
	k := it.OrderKey().UnixNano()
	if k != c.Last {
		return k > c.Last
	}
	return it.ID >= c.LastID
}

// Unseen returns the items that sort after the last delivered one.
func (c Cursor) Unseen(items []*FeedItem) []*FeedItem {
	if c.LastID == "" {
		return items
	}
	var out []*FeedItem
	for _, it := range items {
		if !c.Delivered(it) {
			out = append(out, it)
		}
	}
	return out
}

// IsNull reports whether the source has no further pages.
func (c Cursor) IsNull() bool {
	return c.Exhausted
}

// CompositeCursor is the set of per-source cursors for one merged read.
type CompositeCursor struct {
	SourceSet string            `json:"set"`
	Cursors   map[string]Cursor `json:"c"`
}

// SourceSetDigest names a set of source ids independent of order.
func SourceSetDigest(ids []string) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// NewCompositeCursor returns a cursor positioned at the start of every
// source.
func NewCompositeCursor(ids []string) *CompositeCursor {
	cc := &CompositeCursor{
		SourceSet: SourceSetDigest(ids),
		Cursors:   make(map[string]Cursor, len(ids)),
	}
	for _, id := range ids {
		cc.Cursors[id] = Cursor{SourceID: id}
	}
	return cc
}

// ResumableWith reports whether cc was built for exactly this source set.
func (cc *CompositeCursor) ResumableWith(ids []string) bool {
	if cc == nil || cc.SourceSet != SourceSetDigest(ids) {
		return false
	}
	for _, id := range ids {
		if _, ok := cc.Cursors[id]; !ok {
			return false
		}
	}
	return true
}

// Done reports whether every source is exhausted.
func (cc *CompositeCursor) Done() bool {
	if cc == nil {
		return false
	}
	for _, c := range cc.Cursors {
		if !c.Exhausted {
			return false
		}
	}
	return true
}

func (cc *CompositeCursor) Clone() *CompositeCursor {
	if cc == nil {
		return nil
	}
	out := &CompositeCursor{SourceSet: cc.SourceSet, Cursors: make(map[string]Cursor, len(cc.Cursors))}
	for k, v := range cc.Cursors {
		out.Cursors[k] = v
	}
	return out
}
