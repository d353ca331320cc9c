package lease

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"stagegate/internal/common"
	"stagegate/internal/observability"
	"stagegate/pkg/errors"
)

// FileLocker keeps one lease file per table in a shared directory. Files are
// created exclusively so two processes cannot both win.
type FileLocker struct {
	dir    string
	logger *observability.Logger
	now    func() time.Time
}

// NewFileLocker creates the lease directory if needed.
func NewFileLocker(dir string, logger *observability.Logger) (*FileLocker, error) {
	if err := os.MkdirAll(dir, common.DirPermissionSecure); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to create lease directory").
			WithContext("field", "lease.dir")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &FileLocker{dir: dir, logger: logger.Named("lease"), now: time.Now}, nil
}

func (f *FileLocker) path(table string) string {
	return filepath.Join(f.dir, common.FileName(table)+".lease")
}

func (f *FileLocker) Acquire(ctx context.Context, table, holder string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	path := f.path(table)

	// two attempts: the second follows removal of an expired lease
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := f.now().UTC()
		l := &Lease{Table: table, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}

		created, err := f.create(path, l)
		if err != nil {
			return nil, err
		}
		if created {
			f.logger.Debug("lease acquired", observability.String("table", table), observability.String("holder", holder))
			return l, nil
		}

		cur, err := f.read(path)
		if err != nil {
			return nil, err
		}
		switch {
		case cur == nil:
			continue
		case cur.Holder == holder:
			if err := f.write(path, l); err != nil {
				return nil, err
			}
			return l, nil
		case !now.Before(cur.ExpiresAt):
			f.logger.Warn("taking over expired lease",
				observability.String("table", table),
				observability.String("previous_holder", cur.Holder),
				observability.Time("expired_at", cur.ExpiresAt))
			if again, err := f.read(path); err != nil || again == nil || *again != *cur {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to remove expired lease")
			}
			continue
		default:
			return nil, heldError(table, cur.Holder)
		}
	}
	return nil, errors.New(errors.ErrCodeLeaseHeld, "lease for "+table+" is contended").WithContext("table", table)
}

func (f *FileLocker) Release(_ context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	path := f.path(l.Table)
	cur, err := f.read(path)
	if err != nil || cur == nil {
		return err
	}
	if cur.Holder != l.Holder {
		// someone took it over after expiry
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to release lease").WithContext("table", l.Table)
	}
	return nil
}

// create publishes l only if no lease file exists. The lease is written to a
// temp file first and hard-linked into place so readers never see a partial file.
func (f *FileLocker) create(path string, l *Lease) (bool, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(f.dir, ".lease-*")
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create lease file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to write lease file")
	}
	if err := tmp.Close(); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to write lease file")
	}
	if err := os.Chmod(tmp.Name(), common.FilePermissionSecure); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to write lease file")
	}

	err = os.Link(tmp.Name(), path)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to publish lease file")
	}
	return true, nil
}

func (f *FileLocker) write(path string, l *Lease) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, common.FilePermissionSecure)
}

// read returns nil when the file is gone. A corrupt lease counts as expired.
func (f *FileLocker) read(path string) (*Lease, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is built from the lease dir
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read lease file")
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return &Lease{Holder: "unknown"}, nil
	}
	return &l, nil
}
