/*
Package social is the set of writes a user makes from the feed: posting,
reacting, commenting.  Each one is a mutation.Spec over the cache entry the
feed shows, so the change is visible before the node confirms it.
*/
package social

import (
	"context"
	"slices"

	"github.com/oklog/ulid/v2"

	"github.com/ts4z/feedsync/cachestore"
	"github.com/ts4z/feedsync/dep"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/mutation"
)

// TempIDPrefix marks ids assigned locally to items the node hasn't
// accepted yet.
const TempIDPrefix = "tmp-"

// Writer is the node's write API.  query.Client implements it.
type Writer interface {
	UploadPost(ctx context.Context, item *model.FeedItem) (*model.FeedItem, error)
	UploadComment(ctx context.Context, drive model.DriveScope, parentID string, item *model.FeedItem) (*model.FeedItem, error)
	GetReactionSummary(ctx context.Context, drive model.DriveScope, fileID string) (*model.ReactionSummary, error)
	SaveReaction(ctx context.Context, drive model.DriveScope, fileID, emoji, versionTag string) (*model.ReactionSummary, error)
	DeleteReaction(ctx context.Context, drive model.DriveScope, fileID, emoji, versionTag string) (*model.ReactionSummary, error)
}

// PostRef names a post.
type PostRef struct {
	Drive  model.DriveScope
	FileID string
}

type Config struct {
	Engine *mutation.Engine
	Writer Writer
}

type Service struct {
	engine *mutation.Engine
	writer Writer
}

func New(cf *Config) *Service {
	return &Service{
		engine: dep.Required(cf.Engine),
		writer: dep.Required(cf.Writer),
	}
}

func tempID() string {
	return TempIDPrefix + ulid.Make().String()
}

// ChannelBatchKey is where the first batch of a channel's live source is
// cached.
func ChannelBatchKey(ch model.Channel) cachestore.Key {
	return cachestore.SourceKey(ch.Drive.String(), "live:"+ch.ID, "")
}

// SavePost publishes post to ch.  It shows up at the top of the channel's
// cached first batch under a temporary id until the node answers with the
// real one.
func (s *Service) SavePost(ctx context.Context, ch model.Channel, post *model.FeedItem) (*model.FeedItem, error) {
	draft := post.Clone()
	draft.ID = tempID()
	draft.Channel = ch.ID
	draft.Drive = ch.Drive

	var saved *model.FeedItem
	_, err := mutation.Mutate(ctx, s.engine, mutation.Spec[*model.Batch]{
		Key: ChannelBatchKey(ch),
		Apply: func(prev *model.Batch, ok bool) *model.Batch {
			next := &model.Batch{Items: []*model.FeedItem{draft}}
			if ok {
				next.Items = append(next.Items, prev.Items...)
				next.NextToken, next.Done = prev.NextToken, prev.Done
			}
			return next
		},
		Write: func(ctx context.Context, b *model.Batch) (*model.Batch, error) {
			upload := draft.Clone()
			upload.ID = ""
			out, err := s.writer.UploadPost(ctx, upload)
			if err != nil {
				return nil, err
			}
			saved = out
			return replaceItem(b, draft.ID, out), nil
		},
		Dependents: []cachestore.Key{
			cachestore.NamespaceKey(cachestore.NSFeed),
			cachestore.NewKey(cachestore.NSSource, ch.Drive.String()),
		},
		Optional: true,
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func replaceItem(b *model.Batch, id string, with *model.FeedItem) *model.Batch {
	out := &model.Batch{NextToken: b.NextToken, Done: b.Done, Items: slices.Clone(b.Items)}
	for i, it := range out.Items {
		if it.ID == id {
			out.Items[i] = with
		}
	}
	return out
}

func addReaction(rs *model.ReactionSummary, emoji string) *model.ReactionSummary {
	next := rs.Clone()
	if slices.Contains(next.MyReactions, emoji) {
		return next
	}
	if next.Emojis == nil {
		next.Emojis = make(map[string]int)
	}
	next.Emojis[emoji]++
	next.TotalCount++
	next.MyReactions = append(next.MyReactions, emoji)
	return next
}

func removeReaction(rs *model.ReactionSummary, emoji string) *model.ReactionSummary {
	next := rs.Clone()
	i := slices.Index(next.MyReactions, emoji)
	if i < 0 {
		return next
	}
	next.MyReactions = slices.Delete(next.MyReactions, i, i+1)
	if next.Emojis[emoji] > 1 {
		next.Emojis[emoji]--
	} else {
		delete(next.Emojis, emoji)
	}
	next.TotalCount = max(0, next.TotalCount-1)
	return next
}

// SaveEmoji adds the caller's emoji to a post.  If someone else reacted
// in the meantime, the caller's reaction is added to the node's current
// tally and written again.
func (s *Service) SaveEmoji(ctx context.Context, ref PostRef, emoji string) (*model.ReactionSummary, error) {
	return s.reaction(ctx, ref, emoji, addReaction, s.writer.SaveReaction)
}

// RemoveEmoji takes the caller's emoji off a post.
func (s *Service) RemoveEmoji(ctx context.Context, ref PostRef, emoji string) (*model.ReactionSummary, error) {
	return s.reaction(ctx, ref, emoji, removeReaction, s.writer.DeleteReaction)
}

func (s *Service) reaction(ctx context.Context, ref PostRef, emoji string,
	change func(*model.ReactionSummary, string) *model.ReactionSummary,
	write func(ctx context.Context, drive model.DriveScope, fileID, emoji, versionTag string) (*model.ReactionSummary, error),
) (*model.ReactionSummary, error) {
	drive := ref.Drive.String()
	out, err := mutation.Mutate(ctx, s.engine, mutation.Spec[*model.ReactionSummary]{
		Key: cachestore.ReactionsKey(drive, ref.FileID),
		Apply: func(prev *model.ReactionSummary, ok bool) *model.ReactionSummary {
			if !ok {
				prev = &model.ReactionSummary{}
			}
			return change(prev, emoji)
		},
		Write: func(ctx context.Context, v *model.ReactionSummary) (*model.ReactionSummary, error) {
			return write(ctx, ref.Drive, ref.FileID, emoji, v.VersionTag)
		},
		Fetch: func(ctx context.Context) (*model.ReactionSummary, error) {
			return s.writer.GetReactionSummary(ctx, ref.Drive, ref.FileID)
		},
		Merge: func(base, _ *model.ReactionSummary) *model.ReactionSummary {
			return change(base, emoji)
		},
		Dependents: []cachestore.Key{cachestore.PostKey(drive, ref.FileID)},
		Optional:   true,
	})
	if err != nil {
		return nil, err
	}
	return out.Value, nil
}

// SaveComment adds a comment to a post's cached comment list, newest first.
func (s *Service) SaveComment(ctx context.Context, ref PostRef, comment *model.FeedItem) (*model.FeedItem, error) {
	draft := comment.Clone()
	draft.ID = tempID()
	draft.Drive = ref.Drive
	drive := ref.Drive.String()

	var saved *model.FeedItem
	_, err := mutation.Mutate(ctx, s.engine, mutation.Spec[[]*model.FeedItem]{
		Key: cachestore.CommentsKey(drive, ref.FileID),
		Apply: func(prev []*model.FeedItem, ok bool) []*model.FeedItem {
			return append([]*model.FeedItem{draft}, prev...)
		},
		Write: func(ctx context.Context, list []*model.FeedItem) ([]*model.FeedItem, error) {
			upload := draft.Clone()
			upload.ID = ""
			out, err := s.writer.UploadComment(ctx, ref.Drive, ref.FileID, upload)
			if err != nil {
				return nil, err
			}
			saved = out
			next := slices.Clone(list)
			for i, it := range next {
				if it.ID == draft.ID {
					next[i] = out
				}
			}
			return next, nil
		},
		Dependents: []cachestore.Key{
			cachestore.ReactionsKey(drive, ref.FileID),
			cachestore.PostKey(drive, ref.FileID),
		},
		Optional: true,
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}
