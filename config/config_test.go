package config

import (
	"slices"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func setup(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Setenv("HOME", t.TempDir())
	t.Cleanup(viper.Reset)
	Init()
}

func TestDefaults(t *testing.T) {
	setup(t)
	if got := PageSize(); got != 10 {
		t.Errorf("PageSize = %d", got)
	}
	if got := InboxBatchSize(); got != 100 {
		t.Errorf("InboxBatchSize = %d", got)
	}
	if got := FetchTimeout(); got != 8*time.Second {
		t.Errorf("FetchTimeout = %v", got)
	}
	if got := RefreshDelay(); got != 500*time.Millisecond {
		t.Errorf("RefreshDelay = %v", got)
	}
	if got := PersistConnector(); got != "sqlite" {
		t.Errorf("PersistConnector = %q", got)
	}
	if got := ListenAddress(); got != ":8089" {
		t.Errorf("ListenAddress = %q", got)
	}
}

func TestEnvironment(t *testing.T) {
	t.Setenv("FEEDSYNC_LOCAL_NODE", "frodo.example")
	t.Setenv("FEEDSYNC_IDENTITY", "tok")
	t.Setenv("FEEDSYNC_PEERS", "sam.example, merry.example")
	t.Setenv("FEEDSYNC_STALE_AFTER", "2d")
	setup(t)

	id := Identity()
	if id.LocalNode != "frodo.example" || id.Bearer != "tok" || !id.Authenticated() {
		t.Errorf("Identity = %+v", id)
	}
	if got, want := Peers(), []string{"sam.example", "merry.example"}; !slices.Equal(got, want) {
		t.Errorf("Peers = %q, want %q", got, want)
	}
	if got := StaleAfter(); got != 48*time.Hour {
		t.Errorf("StaleAfter = %v, want 48h", got)
	}
}

func TestBadDurationFallsBack(t *testing.T) {
	setup(t)
	viper.Set("settle_delay", "soon")
	if got := SettleDelay(); got != time.Second {
		t.Errorf("SettleDelay = %v, want default 1s", got)
	}
}
