// Package config handles process configuration for feedsyncd and
// feedsyncctl: which node we are, how to authenticate to it, and the knobs
// on the cache and feed machinery.
//
// TODO: I have never seen a viper setup that I liked.
package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"maze.io/x/duration"

	"github.com/ts4z/feedsync/model"
)

var defaults = map[string]any{
	"local_node":        "",
	"identity":          "",
	"shared_secret":     "",
	"peers":             []string{},
	"page_size":         10,
	"inbox_batch_size":  100,
	"drain_timeout":     "10s",
	"fetch_timeout":     "8s",
	"reconnect_min":     "1s",
	"reconnect_max":     "30s",
	"settle_delay":      "1s",
	"refresh_delay":     "500ms",
	"stale_after":       "2m",
	"cache_size":        512,
	"persist_connector": "sqlite",
	"persist_url":       "feedsync.db",
	"listen_address":    ":8089",
	"cursor_secret":     "",
	"allowed_origins":   []string{},
}

// Viper-based config loader.  Every key can be set from the environment as
// FEEDSYNC_<KEY>.
func Init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	viper.SetConfigType("yaml")
	viper.SetConfigName(".feedsync")
	viper.AddConfigPath(home)
	viper.SetEnvPrefix("feedsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}
	err = viper.ReadInConfig() // ignore error if config file missing
	if err != nil {
		log.Printf("viper can't read config file: %v", err)
	}
	log.Printf("Local node: %q", LocalNode())
	log.Printf("Using listen address: %s", ListenAddress())
}

// Duration reads a duration that may use day units ("2d").  A value that
// doesn't parse falls back to the default, with a complaint.
func Duration(key string) time.Duration {
	s := viper.GetString(key)
	d, err := duration.ParseDuration(s)
	if err == nil {
		return time.Duration(d)
	}
	log.Printf("config: can't parse %s=%q: %v", key, s, err)
	if def, ok := defaults[key].(string); ok {
		if d, err := duration.ParseDuration(def); err == nil {
			return time.Duration(d)
		}
	}
	return 0
}

// stringList accepts a YAML list or a comma-separated string, which is how
// lists arrive from the environment.
func stringList(key string) []string {
	var out []string
	for _, s := range viper.GetStringSlice(key) {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func LocalNode() string {
	return viper.GetString("local_node")
}

// Identity is the credential context forwarded to the node.
func Identity() *model.Identity {
	return &model.Identity{
		LocalNode:    LocalNode(),
		Bearer:       viper.GetString("identity"),
		SharedSecret: viper.GetString("shared_secret"),
	}
}

func Peers() []string {
	return stringList("peers")
}

func PageSize() int {
	return viper.GetInt("page_size")
}

func InboxBatchSize() int {
	return viper.GetInt("inbox_batch_size")
}

func CacheSize() int {
	return viper.GetInt("cache_size")
}

func DrainTimeout() time.Duration { return Duration("drain_timeout") }
func FetchTimeout() time.Duration { return Duration("fetch_timeout") }
func ReconnectMin() time.Duration { return Duration("reconnect_min") }
func ReconnectMax() time.Duration { return Duration("reconnect_max") }
func SettleDelay() time.Duration { return Duration("settle_delay") }
func RefreshDelay() time.Duration { return Duration("refresh_delay") }
func StaleAfter() time.Duration { return Duration("stale_after") }

func PersistConnector() string {
	return viper.GetString("persist_connector")
}

func PersistURL() string {
	return viper.GetString("persist_url")
}

func ListenAddress() string {
	return viper.GetString("listen_address")
}

// CursorSecrets lists cursor signing secrets, newest first.  Older ones
// are only used to read cursors handed out before a rotation.
func CursorSecrets() []string {
	return stringList("cursor_secret")
}

func AllowedOrigins() []string {
	return stringList("allowed_origins")
}
