package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"maze.io/x/duration"

	"github.com/ts4z/feedsync/config"
	"github.com/ts4z/feedsync/feed"
	"github.com/ts4z/feedsync/inbox"
	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/persist"
	"github.com/ts4z/feedsync/query"
)

var (
	server    string
	kind      string
	node      string
	channel   string
	cursor    string
	fresh     bool
	pages     int
	since     time.Duration
	prefix    string
	save      bool
	asJSON    bool
	batchSize int

	clock  clockwork.Clock = clockwork.NewRealClock()
	stdout io.Writer       = os.Stdout
)

// wantJSON is true when asked for, or when stdout isn't a terminal.
func wantJSON() bool {
	if asJSON {
		return true
	}
	f, ok := stdout.(*os.File)
	return !ok || !term.IsTerminal(int(f.Fd()))
}

func newClient() *query.Client {
	return query.New(&query.Config{Identity: config.Identity()})
}

// apiGet calls the daemon with our credentials.
func apiGet(ctx context.Context, path string, v url.Values) (*http.Response, error) {
	u := strings.TrimSuffix(server, "/") + path
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range config.Identity().Header() {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func fetchPage(ctx context.Context, c string) (*feed.Page, error) {
	v := url.Values{}
	v.Set("kind", kind)
	if node != "" {
		v.Set("node", node)
	}
	if channel != "" {
		v.Set("channel", channel)
	}
	if c != "" {
		v.Set("cursor", c)
	}
	if fresh {
		v.Set("fresh", "true")
	}
	resp, err := apiGet(ctx, "/api/feed", v)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	p := &feed.Page{}
	if err := json.NewDecoder(resp.Body).Decode(p); err != nil {
		return nil, fmt.Errorf("decoding page: %w", err)
	}
	return p, nil
}

// recent drops items older than --since.
func recent(items []*model.FeedItem) []*model.FeedItem {
	if since <= 0 {
		return items
	}
	cutoff := clock.Now().Add(-since)
	var out []*model.FeedItem
	for _, it := range items {
		if it.OrderKey().After(cutoff) {
			out = append(out, it)
		}
	}
	return out
}

func printPage(p *feed.Page) error {
	if wantJSON() {
		return json.NewEncoder(stdout).Encode(p)
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	for _, it := range p.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.OrderKey().Format(time.RFC3339), it.AuthorNode, it.ID, it.Channel)
	}
	if len(p.Degraded) > 0 {
		fmt.Fprintf(tw, "degraded:\t%s\n", strings.Join(p.Degraded, ", "))
	}
	if p.Stale {
		fmt.Fprintf(tw, "(stale)\n")
	}
	return tw.Flush()
}

func runPage(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := cursor
	for i := 0; i < pages; i++ {
		p, err := fetchPage(ctx, c)
		if err != nil {
			return err
		}
		p.Items = recent(p.Items)
		if err := printPage(p); err != nil {
			return err
		}
		if p.Done {
			return nil
		}
		c = p.NextCursor
	}
	if !wantJSON() {
		fmt.Fprintf(stdout, "next cursor: %s\n", c)
	}
	return nil
}

func parseDrive(s string) (model.DriveScope, error) {
	alias, typ, ok := strings.Cut(s, ":")
	if !ok || alias == "" || typ == "" {
		return model.DriveScope{}, fmt.Errorf("drive %q is not alias:type", s)
	}
	return model.DriveScope{Alias: alias, Type: typ}, nil
}

func runDrain(cmd *cobra.Command, args []string) error {
	var drives []model.DriveScope
	for _, a := range args {
		d, err := parseDrive(a)
		if err != nil {
			return err
		}
		drives = append(drives, d)
	}
	drainer := inbox.New(&inbox.Config{
		Processor: newClient(),
		BatchSize: batchSize,
		Timeout:   config.DrainTimeout(),
	})
	results := drainer.DrainAll(cmd.Context(), drives)
	failed := 0
	for _, d := range drives {
		if err := results[d]; err != nil {
			failed++
			fmt.Fprintf(stdout, "%s\tFAILED\t%v\n", d, err)
		} else {
			fmt.Fprintf(stdout, "%s\tok\n", d)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d drains failed", failed, len(drives))
	}
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(cmd.Context(), "/api/changes", url.Values{"prefix": {prefix}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if wantJSON() {
			fmt.Fprintln(stdout, data)
			continue
		}
		var ev struct{ Key, Kind string }
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decoding change: %w", err)
		}
		fmt.Fprintf(stdout, "%s  %-11s %s\n", clock.Now().Format(time.TimeOnly), ev.Kind, ev.Key)
	}
	if err := cmd.Context().Err(); err != nil {
		return nil
	}
	return sc.Err()
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	target := config.LocalNode()
	if len(args) > 0 {
		target = args[0]
	}
	snap, err := newClient().FetchSnapshot(ctx, target)
	if err != nil {
		return err
	}
	if save {
		db, dialect, err := persist.Connect(ctx, config.PersistConnector(), config.PersistURL())
		if err != nil {
			return err
		}
		defer db.Close()
		store, err := persist.NewSnapshotStore(ctx, db, dialect)
		if err != nil {
			return err
		}
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	if wantJSON() {
		return json.NewEncoder(stdout).Encode(snap)
	}
	fmt.Fprintf(stdout, "%s, generated %v\n\n", snap.Node, snap.Generated.Format(time.RFC3339))
	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tSLUG\tNAME\tPOSTS\n")
	chans := append([]model.Channel(nil), snap.Channels...)
	sort.Slice(chans, func(i, j int) bool { return chans[i].Slug < chans[j].Slug })
	for _, ch := range chans {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", ch.ID, ch.Slug, ch.Name, len(snap.ChannelPosts(ch.ID)))
	}
	return tw.Flush()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Short:         "feedsync control tool",
		Use:           "feedsyncctl",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&server, "server", "http://localhost:8089", "feedsyncd base URL")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON even on a terminal")

	pageCmd := &cobra.Command{
		Use:   "page",
		Short: "Read feed pages from feedsyncd",
		Args:  cobra.NoArgs,
		RunE:  runPage,
	}
	pageCmd.Flags().StringVar(&kind, "kind", "my", "feed kind: my, social or channel")
	pageCmd.Flags().StringVar(&node, "node", "", "node owning the channel (default local)")
	pageCmd.Flags().StringVar(&channel, "channel", "", "channel id or slug")
	pageCmd.Flags().StringVar(&cursor, "cursor", "", "continue from this cursor")
	pageCmd.Flags().BoolVar(&fresh, "fresh", false, "skip cached pages")
	pageCmd.Flags().IntVar(&pages, "pages", 1, "how many pages to read")
	pageCmd.Flags().Func("since", "only show items newer than this (e.g. 36h, 2d)", func(s string) error {
		d, err := duration.ParseDuration(s)
		if err != nil {
			return err
		}
		since = time.Duration(d)
		return nil
	})

	drainCmd := &cobra.Command{
		Use:   "drain alias:type...",
		Short: "Process the node's inbox for the given drives",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDrain,
	}
	drainCmd.Flags().IntVar(&batchSize, "batch-size", inbox.DefaultBatchSize, "items per round")

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow cache changes in feedsyncd",
		Args:  cobra.NoArgs,
		RunE:  runTail,
	}
	tailCmd.Flags().StringVar(&prefix, "prefix", "", "only keys under this prefix (e.g. feed, reactions)")

	snapshotCmd := &cobra.Command{
		Use:   "snapshot [node]",
		Short: "Fetch a node's static snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSnapshot,
	}
	snapshotCmd.Flags().BoolVar(&save, "save", false, "persist it as the node's fallback copy")

	rootCmd.AddCommand(pageCmd, drainCmd, tailCmd, snapshotCmd)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	config.Init()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
