package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ts4z/feedsync/model"
	"github.com/ts4z/feedsync/varz"
)

var (
	snapshotsSaved  = varz.NewInt("snapshotsSaved")
	snapshotsLoaded = varz.NewInt("snapshotsLoaded")
)

// ErrNoSnapshot is returned by LoadSnapshot for a node never saved.
var ErrNoSnapshot = errors.New("no persisted snapshot")

const schema = `CREATE TABLE IF NOT EXISTS snapshots (
	node TEXT PRIMARY KEY,
	generated BIGINT NOT NULL,
	saved BIGINT NOT NULL,
	body TEXT NOT NULL
)`

// SnapshotStore keeps one row per node holding that node's last good
// snapshot as JSON.
type SnapshotStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSnapshotStore creates the table if it isn't there.
func NewSnapshotStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SnapshotStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("persist: create snapshots: %w", err)
	}
	return &SnapshotStore{db: db, dialect: dialect}, nil
}

// SaveSnapshot replaces the node's row unless the stored copy is newer.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tx, err := NewTx(ctx, s.db, nil)
	if err != nil {
		return fmt.Errorf("persist: begin: %w", err)
	}
	defer tx.MaybeRollback()

	var have int64
	err = tx.QueryRow(ctx, s.dialect.Rebind(`SELECT generated FROM snapshots WHERE node = ?`), snap.Node).Scan(&have)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("persist: read %s: %w", snap.Node, err)
	case have > snap.Generated.UnixMilli():
		return nil
	}

	_, err = tx.Exec(ctx, s.dialect.Rebind(`INSERT INTO snapshots (node, generated, saved, body) VALUES (?, ?, ?, ?)
		ON CONFLICT (node) DO UPDATE SET generated = excluded.generated, saved = excluded.saved, body = excluded.body`),
		snap.Node, snap.Generated.UnixMilli(), time.Now().UnixMilli(), string(body))
	if err != nil {
		return fmt.Errorf("persist: save %s: %w", snap.Node, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persist: commit: %w", err)
	}
	snapshotsSaved.Add(1)
	return nil
}

func (s *SnapshotStore) LoadSnapshot(ctx context.Context, node string) (*model.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT body FROM snapshots WHERE node = ?`), node).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w for %s", ErrNoSnapshot, node)
	}
	if err != nil {
		return nil, fmt.Errorf("persist: load %s: %w", node, err)
	}
	snap := &model.Snapshot{}
	if err := json.Unmarshal([]byte(body), snap); err != nil {
		return nil, fmt.Errorf("persist: decode %s: %w", node, err)
	}
	snapshotsLoaded.Add(1)
	return snap, nil
}
