// Package snapshot takes and restores point-in-time copies of production tables.
// A snapshot is a warehouse clone plus a catalog entry on local disk recording
// when it expires and what it contained.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"stagegate/internal/common"
	"stagegate/internal/observability"
	"stagegate/internal/warehouse"
	"stagegate/pkg/errors"
)

// BatchIDLayout formats batch ids, e.g. 20250916_223000.
const BatchIDLayout = "20060102_150405"

// DefaultTTL is how long a snapshot is kept when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Snapshot is an immutable record of one table clone.
type Snapshot struct {
	Table        string    `json:"table"`
	Dataset      string    `json:"dataset"`
	BatchID      string    `json:"batch_id"`
	CloneDataset string    `json:"clone_dataset"`
	CloneName    string    `json:"clone_name"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RowCount     int64     `json:"row_count"`
	Checksum     string    `json:"checksum"`
}

// Source is the snapshotted table.
func (s Snapshot) Source() warehouse.TableRef {
	return warehouse.TableRef{Dataset: s.Dataset, Name: s.Table}
}

// Clone is the warehouse table holding the copy.
func (s Snapshot) Clone() warehouse.TableRef {
	return warehouse.TableRef{Dataset: s.CloneDataset, Name: s.CloneName}
}

// Expired reports whether the snapshot is past its expiration at now.
func (s Snapshot) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RestoreResult describes a completed restore.
type RestoreResult struct {
	Snapshot   Snapshot  `json:"snapshot"`
	RowCount   int64     `json:"row_count"`
	Checksum   string    `json:"checksum"`
	Verified   bool      `json:"verified"`
	RestoredAt time.Time `json:"restored_at"`
}

// NewBatchID formats t as a batch id in UTC.
func NewBatchID(t time.Time) string {
	return t.UTC().Format(BatchIDLayout)
}

// CloneName is the warehouse name of table's snapshot for batchID.
func CloneName(table, batchID string) string {
	return table + "__snap_" + batchID
}

// Config configures a Manager.
type Config struct {
	// StateDir holds the snapshot catalog (a snapshots/ subdirectory is created).
	StateDir string
	// Dataset receives the clones.
	Dataset string
	TTL     time.Duration
	Logger  *observability.Logger
	Now     func() time.Time
}

// Manager owns snapshots: it creates, restores, lists and purges them.
type Manager struct {
	store      warehouse.Store
	storageDir string
	dataset    string
	ttl        time.Duration
	logger     *observability.Logger
	now        func() time.Time

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	createMu  sync.Mutex
}

// NewManager creates a manager and loads the existing catalog.
func NewManager(store warehouse.Store, cfg Config) (*Manager, error) {
	if cfg.Dataset == "" {
		return nil, errors.ConfigError("snapshot dataset is empty", "datasets.snapshots")
	}
	snapshotDir := filepath.Join(cfg.StateDir, "snapshots")
	if err := os.MkdirAll(snapshotDir, common.DirPermissionNormal); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to create snapshot directory").
			WithContext("field", "run.state_dir")
	}

	m := &Manager{
		store:      store,
		storageDir: snapshotDir,
		dataset:    cfg.Dataset,
		ttl:        cfg.TTL,
		logger:     cfg.Logger,
		now:        cfg.Now,
		snapshots:  make(map[string]*Snapshot),
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.logger == nil {
		m.logger = observability.NewNopLogger()
	}
	m.logger = m.logger.Named("snapshot")
	if m.now == nil {
		m.now = time.Now
	}

	if err := m.loadSnapshots(); err != nil {
		return nil, err
	}
	return m, nil
}

func catalogKey(table warehouse.TableRef, batchID string) string {
	return table.Dataset + "." + table.Name + "@" + batchID
}

// Create snapshots table for batchID. Calling it again for the same table and
// batch returns the existing snapshot without touching the warehouse.
func (m *Manager) Create(ctx context.Context, table warehouse.TableRef, batchID string) (*Snapshot, error) {
	if batchID == "" {
		return nil, errors.New(errors.ErrCodeInvalidState, "batch id is empty")
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	key := catalogKey(table, batchID)
	now := m.now().UTC()

	m.mu.RLock()
	existing := m.snapshots[key]
	m.mu.RUnlock()
	if existing != nil && !existing.Expired(now) {
		cp := *existing
		return &cp, nil
	}

	snap := &Snapshot{
		Table:        table.Name,
		Dataset:      table.Dataset,
		BatchID:      batchID,
		CloneDataset: m.dataset,
		CloneName:    CloneName(table.Name, batchID),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}
	clone := snap.Clone()

	exists, err := m.store.TableExists(ctx, table)
	if err != nil {
		return nil, errors.SnapshotError(table.String(), batchID, err)
	}
	if !exists {
		return nil, errors.SnapshotError(table.String(), batchID,
			errors.New(errors.ErrCodeNotFound, "table does not exist"))
	}

	cloneExists, err := m.store.TableExists(ctx, clone)
	if err != nil {
		return nil, errors.SnapshotError(table.String(), batchID, err)
	}
	if cloneExists && existing != nil {
		// expired leftover from an earlier use of this batch id
		if err := m.store.DropTable(ctx, clone); err != nil {
			return nil, errors.SnapshotError(table.String(), batchID, err)
		}
		cloneExists = false
	}
	if cloneExists {
		// clone landed but the catalog write did not; adopt it
		m.logger.Warn("adopting uncatalogued snapshot clone",
			observability.String("table", table.String()),
			observability.String("clone", clone.String()))
	} else if err := m.store.CloneTable(ctx, table, clone); err != nil {
		return nil, errors.SnapshotError(table.String(), batchID, err)
	}

	rows, sum, err := warehouse.Fingerprint(ctx, m.store, clone)
	if err != nil {
		_ = m.store.DropTable(context.WithoutCancel(ctx), clone)
		return nil, errors.SnapshotError(table.String(), batchID, err)
	}
	snap.RowCount = rows
	snap.Checksum = sum

	if err := m.saveSnapshot(snap); err != nil {
		_ = m.store.DropTable(context.WithoutCancel(ctx), clone)
		return nil, errors.SnapshotError(table.String(), batchID, err)
	}

	m.mu.Lock()
	m.snapshots[key] = snap
	m.mu.Unlock()

	m.logger.Info("snapshot created",
		observability.String("table", table.String()),
		observability.String("batch_id", batchID),
		observability.String("clone", clone.String()),
		observability.Int64("rows", rows),
		observability.Time("expires_at", snap.ExpiresAt))

	cp := *snap
	return &cp, nil
}

// Get returns the live snapshot of table for batchID.
func (m *Manager) Get(table warehouse.TableRef, batchID string) (*Snapshot, error) {
	m.mu.RLock()
	snap, ok := m.snapshots[catalogKey(table, batchID)]
	m.mu.RUnlock()

	if !ok || snap.Expired(m.now()) {
		return nil, errors.SnapshotNotFoundError(table.String(), batchID)
	}
	cp := *snap
	return &cp, nil
}

// Restore overwrites table with its snapshot for batchID and verifies that the
// restored content matches what was captured.
func (m *Manager) Restore(ctx context.Context, table warehouse.TableRef, batchID string) (*RestoreResult, error) {
	snap, err := m.Get(table, batchID)
	if err != nil {
		return nil, err
	}

	clone := snap.Clone()
	exists, err := m.store.TableExists(ctx, clone)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.SnapshotNotFoundError(table.String(), batchID).
			WithContext("clone", clone.String())
	}

	if err := m.store.RestoreTable(ctx, clone, table); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSnapshotFailed, "restore failed").
			WithContext("table", table.String()).
			WithContext("batch_id", batchID)
	}

	rows, sum, err := warehouse.Fingerprint(ctx, m.store, table)
	if err != nil {
		return nil, err
	}
	result := &RestoreResult{
		Snapshot:   *snap,
		RowCount:   rows,
		Checksum:   sum,
		Verified:   rows == snap.RowCount && sum == snap.Checksum,
		RestoredAt: m.now().UTC(),
	}
	if !result.Verified {
		return result, errors.New(errors.ErrCodeSnapshotFailed, "restored table does not match snapshot").
			WithContext("table", table.String()).
			WithContext("batch_id", batchID).
			WithContext("expected_rows", snap.RowCount).
			WithContext("actual_rows", rows)
	}

	m.logger.Info("snapshot restored",
		observability.String("table", table.String()),
		observability.String("batch_id", batchID),
		observability.Int64("rows", rows))
	return result, nil
}

// HasBatch reports whether the catalog holds any snapshot, expired or not, filed under batchID.
func (m *Manager) HasBatch(batchID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.snapshots {
		if s.BatchID == batchID {
			return true
		}
	}
	return false
}

// List returns snapshots, newest first. An empty table name lists every table.
// Expired snapshots are included until purged.
func (m *Manager) List(table string) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snapshot
	for _, s := range m.snapshots {
		if table == "" || s.Table == table {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Table < out[j].Table
	})
	return out
}

// PurgeExpired drops expired clones and forgets their catalog entries.
func (m *Manager) PurgeExpired(ctx context.Context) ([]Snapshot, error) {
	now := m.now()

	m.mu.RLock()
	var expired []*Snapshot
	for _, s := range m.snapshots {
		if s.Expired(now) {
			expired = append(expired, s)
		}
	}
	m.mu.RUnlock()

	var purged []Snapshot
	for _, s := range expired {
		if err := m.store.DropTable(ctx, s.Clone()); err != nil {
			return purged, err
		}
		if err := os.Remove(m.snapshotPath(s)); err != nil && !os.IsNotExist(err) {
			return purged, errors.Wrap(err, errors.ErrCodeInternal, "failed to remove snapshot catalog entry")
		}
		m.mu.Lock()
		delete(m.snapshots, catalogKey(s.Source(), s.BatchID))
		m.mu.Unlock()

		m.logger.Info("snapshot purged",
			observability.String("table", s.Source().String()),
			observability.String("batch_id", s.BatchID))
		purged = append(purged, *s)
	}
	return purged, nil
}

func (m *Manager) snapshotPath(s *Snapshot) string {
	name := fmt.Sprintf("snapshot-%s.%s-%s.json", s.Dataset, s.Table, s.BatchID)
	return filepath.Join(m.storageDir, common.FileName(name))
}

func (m *Manager) saveSnapshot(s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.snapshotPath(s), data, common.FilePermissionSecure)
}

func (m *Manager) loadSnapshots() error {
	files, err := filepath.Glob(filepath.Join(m.storageDir, "snapshot-*.json"))
	if err != nil {
		return err
	}

	for _, file := range files {
		validatedPath, err := common.ValidatePath(file, m.storageDir)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(validatedPath) // #nosec G304 - path is validated
		if err != nil {
			continue
		}
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			m.logger.Warn("skipping unreadable snapshot entry", observability.String("file", file), observability.Err(err))
			continue
		}
		m.snapshots[catalogKey(s.Source(), s.BatchID)] = &s
	}
	return nil
}
