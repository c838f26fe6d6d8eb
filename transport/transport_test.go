package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/ts4z/feedsync/model"
)

var chanDrive = model.DriveScope{Alias: "c1", Type: "channel"}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  model.NotificationEvent
		ctl   control
	}{
		{
			name:  "file added",
			frame: `{"notificationType":"fileAdded","data":{"header":{"fileId":"f1","targetDrive":{"alias":"c1","type":"channel"},"fileType":1,"versionTag":"v1"}}}`,
			want:  model.FileAdded{Header: model.FileHeader{FileID: "f1", Drive: chanDrive, FileType: 1, VersionTag: "v1"}},
		},
		{
			name:  "inbox",
			frame: `{"notificationType":"inboxItemReceived","data":{"targetDrive":{"alias":"c1","type":"channel"},"sender":"a.example"}}`,
			want:  model.InboxItemReceived{Drive: chanDrive, Sender: "a.example"},
		},
		{
			name:  "reaction deleted",
			frame: `{"notificationType":"reactionContentDeleted","data":{"targetDrive":{"alias":"c1","type":"channel"},"fileId":"f1","emoji":"x"}}`,
			want:  model.ReactionChanged{Deleted: true, Drive: chanDrive, FileID: "f1", Emoji: "x"},
		},
		{
			name:  "follower",
			frame: `{"notificationType":"newFollower","data":{"sender":"b.example"}}`,
			want:  model.ConnectionEvent{Kind: model.EventNewFollower, Sender: "b.example"},
		},
		{
			name:  "handshake",
			frame: `{"notificationType":"deviceHandshakeSuccess"}`,
			ctl:   controlHandshake,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ctl, err := decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ctl != tt.ctl {
				t.Errorf("control = %v, want %v", ctl, tt.ctl)
			}
			if tt.want == nil {
				return
			}
			if ev != tt.want {
				t.Errorf("decode = %#v, want %#v", ev, tt.want)
			}
		})
	}
}

func TestDecodeUnknownKeepsPayload(t *testing.T) {
	ev, _, err := decode([]byte(`{"notificationType":"commentAdded","data":{"x":1}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u, ok := ev.(model.Unknown)
	if !ok {
		t.Fatalf("decode = %T, want Unknown", ev)
	}
	if u.Name != "commentAdded" || string(u.Payload) != `{"x":1}` {
		t.Errorf("unknown = %+v", u)
	}
}

func TestEncodeDecode(t *testing.T) {
	ev := model.FileModified{Header: model.FileHeader{FileID: "f9", Drive: chanDrive, Channel: "c1"}}
	frame, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	got, _, err := decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != ev {
		t.Errorf("got %#v, want %#v", got, ev)
	}
}

// node is a minimal push endpoint: it checks the handshake, then pushes
// one event and reports the first command it receives.
func node(t *testing.T, commands chan<- outbound, handshakes chan<- establishData) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "no", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		var req struct {
			Command string        `json:"command"`
			Data    establishData `json:"data"`
		}
		if err := ws.ReadJSON(&req); err != nil || req.Command != commandEstablish {
			t.Errorf("bad handshake %+v: %v", req, err)
			return
		}
		handshakes <- req.Data
		ws.WriteJSON(inbound{NotificationType: notificationHandshake})

		frame, _ := EncodeEvent(model.FileAdded{Header: model.FileHeader{FileID: "f1", Drive: chanDrive}})
		ws.WriteMessage(websocket.TextMessage, frame)

		for {
			var raw struct {
				Command string          `json:"command"`
				Data    json.RawMessage `json:"data"`
			}
			if err := ws.ReadJSON(&raw); err != nil {
				return
			}
			if raw.Command == commandPing {
				continue
			}
			var data processInboxData
			json.Unmarshal(raw.Data, &data)
			commands <- outbound{Command: raw.Command, Data: data}
		}
	}))
}

func TestConnectRoundTrip(t *testing.T) {
	clocks := []struct {
		name  string
		clock clockwork.Clock
	}{
		{"real clock", clockwork.NewRealClock()},
		// Socket deadlines must not follow an injected clock.
		{"fake clock in the past", clockwork.NewFakeClockAt(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC))},
	}
	for _, tc := range clocks {
		t.Run(tc.name, func(t *testing.T) {
			roundTrip(t, tc.clock)
		})
	}
}

func roundTrip(t *testing.T, clock clockwork.Clock) {
	t.Helper()
	commands := make(chan outbound, 4)
	handshakes := make(chan establishData, 1)
	srv := node(t, commands, handshakes)
	defer srv.Close()

	tr := New(&Config{
		Identity: &model.Identity{LocalNode: "unused", Bearer: "tok"},
		Clock:    clock,
		Endpoint: func(model.Target) string { return "ws" + strings.TrimPrefix(srv.URL, "http") },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := tr.Connect(ctx, model.LocalTarget, []model.DriveScope{chanDrive}, "ref-1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	hs := <-handshakes
	if hs.RefID != "ref-1" || len(hs.Drives) != 1 || hs.Drives[0] != chanDrive {
		t.Errorf("handshake = %+v", hs)
	}

	select {
	case ev := <-c.Events():
		if fa, ok := ev.(model.FileAdded); !ok || fa.Header.FileID != "f1" {
			t.Errorf("event = %#v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("no event")
	}

	if err := c.Send(ctx, model.ProcessInbox(chanDrive, 7)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case cmd := <-commands:
		data := cmd.Data.(processInboxData)
		if cmd.Command != model.CommandProcessInbox || data.BatchSize != 7 || data.TargetDrive != chanDrive {
			t.Errorf("node got %+v", cmd)
		}
	case <-ctx.Done():
		t.Fatalf("command not received")
	}

	if err := c.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	if _, ok := <-c.Events(); ok {
		t.Errorf("events channel still open after Close")
	}
}

func TestConnectRejected(t *testing.T) {
	srv := node(t, make(chan outbound, 1), make(chan establishData, 1))
	defer srv.Close()

	tr := New(&Config{
		Identity: &model.Identity{Bearer: "wrong"},
		Endpoint: func(model.Target) string { return "ws" + strings.TrimPrefix(srv.URL, "http") },
	})
	if _, err := tr.Connect(context.Background(), model.LocalTarget, nil, "r"); err == nil {
		t.Fatalf("Connect with bad credentials succeeded")
	}
}
