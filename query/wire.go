package query

import (
	"encoding/json"

	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/ts"
)

// wireItem is a feed item as nodes send it: times in unix millis.
type wireItem struct {
	FileID          string           `json:"fileId"`
	GlobalTransitID string           `json:"globalTransitId,omitempty"`
	AuthorNode      string           `json:"authorOdinId"`
	Channel         string           `json:"channelId,omitempty"`
	TargetDrive     model.DriveScope `json:"targetDrive"`
	FileType        int              `json:"fileType"`
	Created         int64            `json:"created"`
	UserDate        int64            `json:"userDate,omitempty"`
	VersionTag      string           `json:"versionTag"`
	Access          json.RawMessage  `json:"accessControlList,omitempty"`
	Content         json.RawMessage  `json:"content,omitempty"`
}

func (w *wireItem) item() *model.FeedItem {
	return &model.FeedItem{
		ID:              w.FileID,
		GlobalTransitID: w.GlobalTransitID,
		AuthorNode:      w.AuthorNode,
		Channel:         w.Channel,
		Drive:           w.TargetDrive,
		FileType:        w.FileType,
		Created:         ts.FromMillis(w.Created),
		UserDate:        ts.FromMillis(w.UserDate),
		VersionTag:      w.VersionTag,
		Access:          w.Access,
		Content:         w.Content,
	}
}

func toWire(it *model.FeedItem) *wireItem {
	return &wireItem{
		FileID:          it.ID,
		GlobalTransitID: it.GlobalTransitID,
		AuthorNode:      it.AuthorNode,
		Channel:         it.Channel,
		TargetDrive:     it.Drive,
		FileType:        it.FileType,
		Created:         ts.ToMillis(it.Created),
		UserDate:        ts.ToMillis(it.UserDate),
		VersionTag:      it.VersionTag,
		Access:          it.Access,
		Content:         it.Content,
	}
}

type batchRequest struct {
	TargetDrive model.DriveScope `json:"targetDrive"`
	Channel     string           `json:"channelId,omitempty"`
	FileTypes   []int            `json:"fileType,omitempty"`
	MaxRecords  int              `json:"maxRecords"`
	CursorState string           `json:"cursorState,omitempty"`
}

type batchResponse struct {
	Results     []*wireItem `json:"results"`
	CursorState string      `json:"cursorState"`
}

type processInboxRequest struct {
	TargetDrive model.DriveScope `json:"targetDrive"`
	BatchSize   int              `json:"batchSize"`
}

type fileRef struct {
	TargetDrive model.DriveScope `json:"targetDrive"`
	FileID      string           `json:"fileId"`
}

type reactionRequest struct {
	File       fileRef `json:"file"`
	Reaction   string  `json:"reaction"`
	VersionTag string  `json:"versionTag,omitempty"`
}

type uploadRequest struct {
	Item   *wireItem `json:"item"`
	Parent *fileRef  `json:"parent,omitempty"`
}

type uploadResponse struct {
	FileID          string `json:"fileId"`
	GlobalTransitID string `json:"globalTransitId"`
	VersionTag      string `json:"versionTag"`
}

type conflictBody struct {
	VersionTag string `json:"versionTag"`
}

// wireSnapshot is the static snapshot file.
type wireSnapshot struct {
	Node      string                 `json:"odinId"`
	Generated int64                  `json:"generated"`
	Channels  []model.Channel        `json:"channels"`
	Posts     map[string][]*wireItem `json:"posts"`
}

func (w *wireSnapshot) snapshot() *model.Snapshot {
	s := &model.Snapshot{
		Node:      w.Node,
		Generated: ts.FromMillis(w.Generated),
		Channels:  w.Channels,
		Posts:     make(map[string][]*model.FeedItem, len(w.Posts)),
	}
	for ch, items := range w.Posts {
		out := make([]*model.FeedItem, 0, len(items))
		for _, it := range items {
			out = append(out, it.item())
		}
		s.Posts[ch] = out
	}
	return s
}

// EncodeSnapshot writes s in the static snapshot format.  Test servers and
// the fake node use it.
func EncodeSnapshot(s *model.Snapshot) ([]byte, error) {
	w := wireSnapshot{
		Node:      s.Node,
		Generated: ts.ToMillis(s.Generated),
		Channels:  s.Channels,
		Posts:     make(map[string][]*wireItem, len(s.Posts)),
	}
	for ch, items := range s.Posts {
		for _, it := range items {
			w.Posts[ch] = append(w.Posts[ch], toWire(it))
		}
	}
	return json.Marshal(w)
}

// EncodeBatch writes a batch response.  Test servers use it.
func EncodeBatch(items []*model.FeedItem, cursorState string) ([]byte, error) {
	r := batchResponse{Results: make([]*wireItem, 0, len(items)), CursorState: cursorState}
	for _, it := range items {
		r.Results = append(r.Results, toWire(it))
	}
	return json.Marshal(r)
}
