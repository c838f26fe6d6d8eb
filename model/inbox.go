package model

// InboxStatus is what a node reports after one processInbox round.
type InboxStatus struct {
	// Popped is how many queued items this round handled.
	Popped int `json:"poppedCount"`
	// Remaining is the node's estimate of what is still queued.
	Remaining int `json:"totalItems"`
}
