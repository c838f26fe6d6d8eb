/*
Package query is the HTTP client for a node's query and write endpoints.

Every request carries the caller's identity headers unchanged, except the
static snapshot fetch, which is a plain anonymous read.  Responses other
than 2xx come back as *errs.ConflictError (409) or *errs.StatusError.
*/
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ts4z/feedsync/dep"
	"github.com/ts4z/feedsync/errs"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/varz"
)

const (
	ownerPrefix = "/api/owner/v1"
	guestPrefix = "/api/guest/v1"

	SnapshotPath = "/pub/snapshot.json"

	// maxErrorBody caps how much of an error response ends up in an
	// error message.
	maxErrorBody = 512
)

var (
	requests      = varz.NewInt("requests")
	requestErrors = varz.NewInt("requestErrors")
	conflicts     = varz.NewInt("conflicts")
)

type Config struct {
	Identity   *model.Identity
	HTTPClient *http.Client
	// BaseURL maps a node name to the scheme and host its API lives at.
	// Defaults to https://<node>.
	BaseURL func(node string) string
}

type Client struct {
	identity *model.Identity
	http     *http.Client
	baseURL  func(node string) string
}

func New(cf *Config) *Client {
	c := &Client{
		identity: dep.Required(cf.Identity),
		http:     dep.Default(cf.HTTPClient, &http.Client{Timeout: 30 * time.Second}),
		baseURL:  cf.BaseURL,
	}
	if c.baseURL == nil {
		c.baseURL = func(node string) string { return "https://" + node }
	}
	return c
}

// Identity is the identity requests are made as.
func (c *Client) Identity() *model.Identity {
	return c.identity
}

// BatchQuery selects one page from one drive on the local node.
type BatchQuery struct {
	Drive     model.DriveScope
	Channel   string
	FileTypes []int
	Token     string
	Limit     int
}

// QueryBatch reads one page of a local drive.
func (c *Client) QueryBatch(ctx context.Context, q BatchQuery) (model.Batch, error) {
	req := batchRequest{
		TargetDrive: q.Drive,
		Channel:     q.Channel,
		FileTypes:   q.FileTypes,
		MaxRecords:  q.Limit,
		CursorState: q.Token,
	}
	var resp batchResponse
	if err := c.do(ctx, http.MethodPost, c.ownerURL(ownerPrefix+"/drive/query/batch", nil), true, req, &resp); err != nil {
		return model.Batch{}, err
	}
	return resp.batch(q.Limit), nil
}

// QueryPeerFeed reads one page of a peer node's public feed, as a guest.
func (c *Client) QueryPeerFeed(ctx context.Context, peer, token string, limit int) (model.Batch, error) {
	v := url.Values{}
	v.Set("maxRecords", strconv.Itoa(limit))
	if token != "" {
		v.Set("cursorState", token)
	}
	u := c.nodeURL(peer, guestPrefix+"/feed", v)
	var resp batchResponse
	if err := c.do(ctx, http.MethodGet, u, true, nil, &resp); err != nil {
		return model.Batch{}, err
	}
	return resp.batch(limit), nil
}

// FetchSnapshot reads a node's static snapshot file.  No credentials are
// sent.
func (c *Client) FetchSnapshot(ctx context.Context, node string) (*model.Snapshot, error) {
	var ws wireSnapshot
	if err := c.do(ctx, http.MethodGet, c.nodeURL(node, SnapshotPath, nil), false, nil, &ws); err != nil {
		return nil, err
	}
	s := ws.snapshot()
	if s.Node == "" {
		s.Node = node
	}
	return s, nil
}

// ProcessInbox asks the local node to process one batch from drive's
// inbox.
func (c *Client) ProcessInbox(ctx context.Context, drive model.DriveScope, batchSize int) (model.InboxStatus, error) {
	var st model.InboxStatus
	req := processInboxRequest{TargetDrive: drive, BatchSize: batchSize}
	err := c.do(ctx, http.MethodPost, c.ownerURL(ownerPrefix+"/drive/system/processinbox", nil), true, req, &st)
	return st, err
}

func reactionQuery(drive model.DriveScope, fileID string) url.Values {
	v := url.Values{}
	v.Set("alias", drive.Alias)
	v.Set("type", drive.Type)
	v.Set("fileId", fileID)
	return v
}

func (c *Client) GetReactionSummary(ctx context.Context, drive model.DriveScope, fileID string) (*model.ReactionSummary, error) {
	var rs model.ReactionSummary
	u := c.ownerURL(ownerPrefix+"/drive/files/reactions/summary", reactionQuery(drive, fileID))
	if err := c.do(ctx, http.MethodGet, u, true, nil, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// SaveReaction adds emoji to a file.  versionTag is the summary version the
// caller last saw; the node answers 409 if it has moved on.
func (c *Client) SaveReaction(ctx context.Context, drive model.DriveScope, fileID, emoji, versionTag string) (*model.ReactionSummary, error) {
	return c.reaction(ctx, "/drive/files/reactions/add", drive, fileID, emoji, versionTag)
}

func (c *Client) DeleteReaction(ctx context.Context, drive model.DriveScope, fileID, emoji, versionTag string) (*model.ReactionSummary, error) {
	return c.reaction(ctx, "/drive/files/reactions/delete", drive, fileID, emoji, versionTag)
}

func (c *Client) reaction(ctx context.Context, path string, drive model.DriveScope, fileID, emoji, versionTag string) (*model.ReactionSummary, error) {
	req := reactionRequest{
		File:       fileRef{TargetDrive: drive, FileID: fileID},
		Reaction:   emoji,
		VersionTag: versionTag,
	}
	var rs model.ReactionSummary
	if err := c.do(ctx, http.MethodPost, c.ownerURL(ownerPrefix+path, nil), true, req, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// UploadPost writes a new post, or a new version of one if item.VersionTag
// is set.  The returned item carries the server's id and version tag.
func (c *Client) UploadPost(ctx context.Context, item *model.FeedItem) (*model.FeedItem, error) {
	return c.upload(ctx, item, nil)
}

// UploadComment writes a comment on the file parentID in drive.
func (c *Client) UploadComment(ctx context.Context, drive model.DriveScope, parentID string, item *model.FeedItem) (*model.FeedItem, error) {
	return c.upload(ctx, item, &fileRef{TargetDrive: drive, FileID: parentID})
}

func (c *Client) upload(ctx context.Context, item *model.FeedItem, parent *fileRef) (*model.FeedItem, error) {
	req := uploadRequest{Item: toWire(item), Parent: parent}
	var resp uploadResponse
	if err := c.do(ctx, http.MethodPost, c.ownerURL(ownerPrefix+"/drive/files/upload", nil), true, req, &resp); err != nil {
		return nil, err
	}
	out := item.Clone()
	out.ID = resp.FileID
	out.VersionTag = resp.VersionTag
	if resp.GlobalTransitID != "" {
		out.GlobalTransitID = resp.GlobalTransitID
	}
	return out, nil
}

func (r *batchResponse) batch(limit int) model.Batch {
	b := model.Batch{
		Items:     make([]*model.FeedItem, 0, len(r.Results)),
		NextToken: r.CursorState,
	}
	for _, w := range r.Results {
		b.Items = append(b.Items, w.item())
	}
	b.Done = r.CursorState == "" || len(r.Results) < limit
	return b
}

func (c *Client) ownerURL(path string, v url.Values) string {
	return c.nodeURL(c.identity.LocalNode, path, v)
}

func (c *Client) nodeURL(node, path string, v url.Values) string {
	u := strings.TrimSuffix(c.baseURL(node), "/") + path
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, u string, authenticated bool, body, out any) error {
	requests.Add(1)
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request for %s: %w", u, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", u, err)
	}
	if authenticated {
		for k, vs := range c.identity.Header() {
			req.Header[k] = vs
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		requestErrors.Add(1)
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		requestErrors.Add(1)
		return responseError(req, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response from %s: %w", u, err)
	}
	return nil
}

func responseError(req *http.Request, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode == http.StatusConflict {
		conflicts.Add(1)
		var cb conflictBody
		if err := json.Unmarshal(raw, &cb); err != nil {
			log.Printf("query: unreadable conflict body from %s: %v", req.URL.Path, err)
		}
		return &errs.ConflictError{Key: req.URL.Path, VersionTag: cb.VersionTag}
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = resp.Status
	}
	return &errs.StatusError{Code: resp.StatusCode, Err: fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, msg)}
}
