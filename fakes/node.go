package fakes

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ts4z/feedsync/errs"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/query"
)

// Node is an in-memory node: channels with posts, peers with feeds, an
// inbox per drive, and reaction tallies.  It answers the same calls
// query.Client makes.
type Node struct {
	Name string

	mu        sync.Mutex
	channels  []model.Channel
	posts     map[model.DriveScope][]*model.FeedItem
	peers     map[string][]*model.FeedItem
	inbox     map[model.DriveScope]int
	reactions map[string]*model.ReactionSummary
	comments  map[string][]*model.FeedItem
	nextID    int
	version   int
	failures  map[string]error
	calls     map[string]int
}

func NewNode(name string) *Node {
	return &Node{
		Name:      name,
		posts:     make(map[model.DriveScope][]*model.FeedItem),
		peers:     make(map[string][]*model.FeedItem),
		inbox:     make(map[model.DriveScope]int),
		reactions: make(map[string]*model.ReactionSummary),
		comments:  make(map[string][]*model.FeedItem),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// NewDemoNode is a node with a little of everything on it.
func NewDemoNode(name string, now time.Time) *Node {
	n := NewNode(name)
	public := n.AddChannel("public", "Public posts")
	n.AddChannel("notes", "Notes")
	for i := range 12 {
		n.AddPost(public, fmt.Sprintf("public post %d", i), now.Add(-time.Duration(i)*time.Hour))
	}
	for i := range 5 {
		n.AddPeerPost("sam.example", fmt.Sprintf("from sam %d", i), now.Add(-time.Duration(2*i)*time.Hour-time.Minute))
	}
	n.QueueInbox(model.DriveScope{Alias: "feed", Type: "feed"}, 150)
	return n
}

func (n *Node) newIDLocked() string {
	n.nextID++
	return fmt.Sprintf("%s-%d", n.Name, n.nextID)
}

func (n *Node) newVersionLocked() string {
	n.version++
	return "v" + strconv.Itoa(n.version)
}

// AddChannel creates a channel whose drive alias is its slug.
func (n *Node) AddChannel(slug, name string) model.Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := model.Channel{ID: "ch-" + slug, Slug: slug, Name: name, Drive: model.DriveScope{Alias: slug, Type: "channel"}}
	n.channels = append(n.channels, ch)
	return ch
}

func (n *Node) AddPost(ch model.Channel, text string, at time.Time) *model.FeedItem {
	n.mu.Lock()
	defer n.mu.Unlock()
	it := &model.FeedItem{
		ID:         n.newIDLocked(),
		AuthorNode: n.Name,
		Channel:    ch.ID,
		Drive:      ch.Drive,
		Created:    at,
		VersionTag: n.newVersionLocked(),
		Content:    []byte(strconv.Quote(text)),
	}
	n.posts[ch.Drive] = append(n.posts[ch.Drive], it)
	return it
}

func (n *Node) AddPeerPost(peer, text string, at time.Time) *model.FeedItem {
	n.mu.Lock()
	defer n.mu.Unlock()
	it := &model.FeedItem{
		ID:         fmt.Sprintf("%s-%d", peer, len(n.peers[peer])+1),
		AuthorNode: peer,
		Created:    at,
		Content:    []byte(strconv.Quote(text)),
	}
	n.peers[peer] = append(n.peers[peer], it)
	return it
}

// QueueInbox leaves count unprocessed items in a drive's inbox.
func (n *Node) QueueInbox(drive model.DriveScope, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inbox[drive] += count
}

// Fail makes every call to the named method fail with err until cleared
// with a nil err.
func (n *Node) Fail(method string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failures, method)
		return
	}
	n.failures[method] = err
}

// Calls counts calls to the named method.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *Node) enterLocked(method string) error {
	n.calls[method]++
	return n.failures[method]
}

func (n *Node) Channels(ctx context.Context) ([]model.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.channels), nil
}

func (n *Node) Peers(ctx context.Context) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for p := range n.peers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

// page slices items newest first starting at the offset in token.
func page(items []*model.FeedItem, token string, limit int) (model.Batch, error) {
	sorted := model.CloneItems(items)
	slices.SortFunc(sorted, model.CompareFeedItems)
	start := 0
	if token != "" {
		var err error
		if start, err = strconv.Atoi(token); err != nil || start < 0 {
			return model.Batch{}, errs.Statusf(http.StatusBadRequest, "bad cursor %q", token)
		}
	}
	start = min(start, len(sorted))
	end := min(start+limit, len(sorted))
	b := model.Batch{Items: sorted[start:end], Done: end == len(sorted)}
	if !b.Done {
		b.NextToken = strconv.Itoa(end)
	}
	return b, nil
}

func (n *Node) QueryBatch(ctx context.Context, q query.BatchQuery) (model.Batch, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enterLocked("QueryBatch"); err != nil {
		return model.Batch{}, err
	}
	var items []*model.FeedItem
	for _, it := range n.posts[q.Drive] {
		if q.Channel != "" && it.Channel != q.Channel {
			continue
		}
		if len(q.FileTypes) > 0 && !slices.Contains(q.FileTypes, it.FileType) {
			continue
		}
		items = append(items, it)
	}
	return page(items, q.Token, q.Limit)
}

func (n *Node) QueryPeerFeed(ctx context.Context, peer, token string, limit int) (model.Batch, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enterLocked("QueryPeerFeed"); err != nil {
		return model.Batch{}, err
	}
	items, ok := n.peers[peer]
	if !ok {
		return model.Batch{}, errs.Statusf(http.StatusNotFound, "no peer %s", peer)
	}
	return page(items, token, limit)
}

// FetchSnapshot renders the node's public file.  Other nodes' files are
// not found.
func (n *Node) FetchSnapshot(ctx context.Context, node string) (*model.Snapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enterLocked("FetchSnapshot"); err != nil {
		return nil, err
	}
	if node != n.Name {
		return nil, errs.Statusf(http.StatusNotFound, "no snapshot for %s", node)
	}
	s := &model.Snapshot{
		Node:      n.Name,
		Generated: time.Now(),
		Channels:  slices.Clone(n.channels),
		Posts:     make(map[string][]*model.FeedItem),
	}
	for _, ch := range n.channels {
		s.Posts[ch.ID] = model.CloneItems(n.posts[ch.Drive])
	}
	return s, nil
}

func (n *Node) ProcessInbox(ctx context.Context, drive model.DriveScope, batchSize int) (model.InboxStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enterLocked("ProcessInbox"); err != nil {
		return model.InboxStatus{}, err
	}
	popped := min(batchSize, n.inbox[drive])
	n.inbox[drive] -= popped
	return model.InboxStatus{Popped: popped, Remaining: n.inbox[drive]}, nil
}

// InboxRemaining is what's left unprocessed in a drive's inbox.
func (n *Node) InboxRemaining(drive model.DriveScope) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inbox[drive]
}

func reactionKey(drive model.DriveScope, fileID string) string {
	return drive.String() + "/" + fileID
}

func (n *Node) summaryLocked(drive model.DriveScope, fileID string) *model.ReactionSummary {
	k := reactionKey(drive, fileID)
	rs, ok := n.reactions[k]
	if !ok {
		rs = &model.ReactionSummary{Emojis: map[string]int{}, VersionTag: "v0"}
		n.reactions[k] = rs
	}
	return rs
}

func (n *Node) GetReactionSummary(ctx context.Context, drive model.DriveScope, fileID string) (*model.ReactionSummary, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enterLocked("GetReactionSummary"); err != nil {
		return nil, err
	}
	return n.summaryLocked(drive, fileID).Clone(), nil
}

// React is someone else reacting, which moves the version tag.
func (n *Node) React(drive model.DriveScope, fileID, emoji string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rs := n.summaryLocked(drive, fileID)
	rs.Emojis[emoji]++
	rs.TotalCount++
	rs.VersionTag = n.newVersionLocked()
}

func (n *Node) react(method string, drive model.DriveScope, fileID, emoji, versionTag string, delta int) (*model.ReactionSummary, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enterLocked(method); err != nil {
		return nil, err
	}
	rs := n.summaryLocked(drive, fileID)
	if versionTag != "" && versionTag != rs.VersionTag {
		return nil, &errs.ConflictError{Key: reactionKey(drive, fileID), VersionTag: versionTag}
	}
	mine := slices.Contains(rs.MyReactions, emoji)
	switch {
	case delta > 0 && !mine:
		rs.Emojis[emoji]++
		rs.TotalCount++
		rs.MyReactions = append(rs.MyReactions, emoji)
	case delta < 0 && mine:
		rs.Emojis[emoji]--
		if rs.Emojis[emoji] <= 0 {
			delete(rs.Emojis, emoji)
		}
		rs.TotalCount--
		rs.MyReactions = slices.DeleteFunc(rs.MyReactions, func(e string) bool { return e == emoji })
	}
	rs.VersionTag = n.newVersionLocked()
	return rs.Clone(), nil
}

func (n *Node) SaveReaction(ctx context.Context, drive model.DriveScope, fileID, emoji, versionTag string) (*model.ReactionSummary, error) {
	return n.react("SaveReaction", drive, fileID, emoji, versionTag, 1)
}

func (n *Node) DeleteReaction(ctx context.Context, drive model.DriveScope, fileID, emoji, versionTag string) (*model.ReactionSummary, error) {
	return n.react("DeleteReaction", drive, fileID, emoji, versionTag, -1)
}

func (n *Node) UploadPost(ctx context.Context, item *model.FeedItem) (*model.FeedItem, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enterLocked("UploadPost"); err != nil {
		return nil, err
	}
	saved := item.Clone()
	saved.ID = n.newIDLocked()
	saved.AuthorNode = n.Name
	saved.VersionTag = n.newVersionLocked()
	if saved.Created.IsZero() {
		saved.Created = time.Now()
	}
	n.posts[saved.Drive] = append(n.posts[saved.Drive], saved)
	return saved.Clone(), nil
}

func (n *Node) UploadComment(ctx context.Context, drive model.DriveScope, parentID string, item *model.FeedItem) (*model.FeedItem, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enterLocked("UploadComment"); err != nil {
		return nil, err
	}
	saved := item.Clone()
	saved.ID = n.newIDLocked()
	saved.AuthorNode = n.Name
	saved.Drive = drive
	saved.VersionTag = n.newVersionLocked()
	k := reactionKey(drive, parentID)
	n.comments[k] = append(n.comments[k], saved)
	return saved.Clone(), nil
}

// Comments lists the comments on a post, oldest first.
func (n *Node) Comments(drive model.DriveScope, parentID string) []*model.FeedItem {
	n.mu.Lock()
	defer n.mu.Unlock()
	return model.CloneItems(n.comments[reactionKey(drive, parentID)])
}
