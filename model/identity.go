package model

import "net/http"

// Identity is the credential context handed in by whoever authenticated the
// user.  It is forwarded to the node verbatim and never inspected here.
type Identity struct {
	LocalNode    string `json:"localNode"`
	PeerNode     string `json:"peerNode,omitempty"`
	Bearer       string `json:"-"`
	SharedSecret string `json:"-"`
}

// Authenticated reports whether there is anything to authenticate with.
func (id *Identity) Authenticated() bool {
	return id != nil && (id.Bearer != "" || id.SharedSecret != "")
}

// Target is where a connection or query goes: the local node, or a peer.
type Target struct {
	// Peer is empty for the local node.
	Peer string
}

var LocalTarget = Target{}

func PeerTarget(node string) Target {
	return Target{Peer: node}
}

func (t Target) IsLocal() bool {
	return t.Peer == ""
}

func (t Target) String() string {
	if t.IsLocal() {
		return "local"
	}
	return "peer:" + t.Peer
}

// Header returns the request headers that carry the identity to a node.
func (id *Identity) Header() http.Header {
	h := http.Header{}
	if id == nil {
		return h
	}
	if id.Bearer != "" {
		h.Set("Authorization", "Bearer "+id.Bearer)
	}
	if id.SharedSecret != "" {
		h.Set("X-Shared-Secret", id.SharedSecret)
	}
	if id.PeerNode != "" {
		h.Set("X-Caller-Node", id.PeerNode)
	}
	return h
}
