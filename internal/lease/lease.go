// Package lease keeps two live runs from writing the same production table.
// A lease is advisory: every run takes it before the first mutation and gives
// it back when done. Leases expire so a crashed run cannot block forever.
package lease

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stagegate/internal/observability"
	"stagegate/pkg/errors"
	"stagegate/pkg/models"
)

// DefaultTTL bounds how long a lease survives a run that never released it.
const DefaultTTL = 2 * time.Hour

// Lease is a held write lease on one table.
type Lease struct {
	Table      string    `json:"table"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Locker hands out leases. Tables are named dataset-qualified, e.g.
// production.vehicles, so equal table names in different datasets do not
// contend. Acquire returns a LeaseHeldError when another holder
// has a live lease on table; acquiring again as the same holder renews it.
type Locker interface {
	Acquire(ctx context.Context, table, holder string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, l *Lease) error
}

// AcquireAll takes leases on tables in sorted order. On any failure the leases
// already taken are released and the error is returned.
func AcquireAll(ctx context.Context, locker Locker, tables []string, holder string, ttl time.Duration) ([]*Lease, error) {
	sorted := append([]string(nil), tables...)
	sort.Strings(sorted)

	leases := make([]*Lease, 0, len(sorted))
	for _, t := range sorted {
		l, err := locker.Acquire(ctx, t, holder, ttl)
		if err != nil {
			_ = ReleaseAll(context.WithoutCancel(ctx), locker, leases)
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, nil
}

// ReleaseAll releases every lease and returns the first error.
func ReleaseAll(ctx context.Context, locker Locker, leases []*Lease) error {
	var first error
	for _, l := range leases {
		if err := locker.Release(ctx, l); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Noop grants every lease. Used in dry runs and when lease.backend is none.
type Noop struct{}

func (Noop) Acquire(_ context.Context, table, holder string, ttl time.Duration) (*Lease, error) {
	now := time.Now().UTC()
	return &Lease{Table: table, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}, nil
}

func (Noop) Release(context.Context, *Lease) error { return nil }

// New builds the locker selected by cfg. stateDir is used when cfg.Dir is empty.
func New(cfg models.LeaseConfig, stateDir string, logger *observability.Logger) (Locker, error) {
	switch cfg.Backend {
	case "", "file":
		dir := cfg.Dir
		if dir == "" {
			dir = stateDir + "/leases"
		}
		return NewFileLocker(dir, logger)
	case "redis":
		return NewRedisLocker(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger), nil
	case "none":
		return Noop{}, nil
	}
	return nil, errors.ConfigError(fmt.Sprintf("unknown lease backend %q", cfg.Backend), "lease.backend")
}

func heldError(table, holder string) error {
	return errors.LeaseHeldError(table, holder).
		WithSuggestions("Wait for run "+holder+" to finish", "Leases expire after lease.ttl")
}
