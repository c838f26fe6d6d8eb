package model

// Batch is one page from one source, in whatever order the source sent it.
type Batch struct {
	Items []*FeedItem
	// NextToken continues after this batch.
	NextToken string
	// Done means there is nothing after this batch.
	Done bool
}
