package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dreamware/relay/internal/balancer"
	"github.com/dreamware/relay/internal/cluster"
	"github.com/dreamware/relay/internal/storage"
)

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1

// DefaultSnapshotKey is the store key used when none is configured.
const DefaultSnapshotKey = "coordinator.json"

// Snapshot is the full in-memory state of an engine.
type Snapshot struct {
	Version  int                    `json:"version"`
	SavedAt  time.Time              `json:"saved_at"`
	Registry registryState          `json:"registry"`
	Ledger   ledgerState            `json:"ledger"`
	Stats    statsState             `json:"stats"`
	Parcels  []Parcel               `json:"parcels"`
	Events   []cluster.Message      `json:"events"`
	Syncs    []int                  `json:"syncs"`
	Selector balancer.SelectorState `json:"selector"`
}

// Snapshot captures the engine's state. Each component is captured under
// its own lock; stop the engine first for a consistent cut across them.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Version:  SnapshotVersion,
		SavedAt:  time.Now(),
		Registry: e.registry.snapshot(),
		Ledger:   e.ledger.snapshot(),
		Stats:    e.stats.snapshot(),
		Parcels:  e.mailbox.All(),
		Events:   e.pendingEvents(),
		Syncs:    e.syncs.Items(),
		Selector: e.selector.Snapshot(),
	}
}

// SaveSnapshot writes the engine's state to store under key.
func (e *Engine) SaveSnapshot(store storage.Store, key string) error {
	data, err := json.Marshal(e.Snapshot())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := store.Put(key, data); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	e.log.Info("snapshot saved", "key", key, "bytes", len(data))
	return nil
}

// Restore builds a stopped engine from the snapshot stored under key. The
// caller must Start it to resume dispatching.
func Restore(store storage.Store, key string, opts Options) (*Engine, error) {
	data, err := store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return FromSnapshot(snap, opts)
}

// FromSnapshot builds a stopped engine holding snap's state. opts.Policy is
// ignored in favour of the snapshot's policy.
func FromSnapshot(snap Snapshot, opts Options) (*Engine, error) {
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	opts.Policy = snap.Selector.Index
	e, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := e.registry.restore(snap.Registry); err != nil {
		return nil, err
	}
	if err := e.selector.Restore(snap.Selector); err != nil {
		return nil, err
	}
	e.ledger.restore(snap.Ledger)
	e.stats.restore(snap.Stats)
	e.mailbox.restore(snap.Parcels)
	e.events.reset(snap.Events)
	e.syncs.reset(snap.Syncs)
	e.log.Info("snapshot restored",
		"accounts", len(snap.Registry.Accounts), "jobs", len(snap.Ledger.Jobs),
		"parcels", len(snap.Parcels), "events", len(snap.Events))
	return e, nil
}
