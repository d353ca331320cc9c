package lease

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate/pkg/errors"
	"stagegate/pkg/models"
)

func newFileLocker(t *testing.T) *FileLocker {
	t.Helper()
	l, err := NewFileLocker(filepath.Join(t.TempDir(), "leases"), nil)
	require.NoError(t, err)
	return l
}

func TestFileLockerExcludesOtherHolders(t *testing.T) {
	ctx := context.Background()
	locker := newFileLocker(t)

	a, err := locker.Acquire(ctx, "vehicles", "run-a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "run-a", a.Holder)

	_, err = locker.Acquire(ctx, "vehicles", "run-b", time.Hour)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeLeaseHeld))

	// other tables are independent
	_, err = locker.Acquire(ctx, "drivers", "run-b", time.Hour)
	require.NoError(t, err)

	require.NoError(t, locker.Release(ctx, a))
	b, err := locker.Acquire(ctx, "vehicles", "run-b", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "run-b", b.Holder)
}

func TestFileLockerIsReentrant(t *testing.T) {
	ctx := context.Background()
	locker := newFileLocker(t)

	first, err := locker.Acquire(ctx, "vehicles", "run-a", time.Minute)
	require.NoError(t, err)
	second, err := locker.Acquire(ctx, "vehicles", "run-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
}

func TestFileLockerTakesOverExpiredLease(t *testing.T) {
	ctx := context.Background()
	locker := newFileLocker(t)
	now := time.Date(2025, 9, 16, 12, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }

	_, err := locker.Acquire(ctx, "vehicles", "crashed-run", time.Hour)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	l, err := locker.Acquire(ctx, "vehicles", "run-b", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "run-b", l.Holder)
}

func TestFileLockerReleaseIgnoresForeignLease(t *testing.T) {
	ctx := context.Background()
	locker := newFileLocker(t)

	held, err := locker.Acquire(ctx, "vehicles", "run-a", time.Hour)
	require.NoError(t, err)

	require.NoError(t, locker.Release(ctx, &Lease{Table: "vehicles", Holder: "run-b"}))
	_, err = os.Stat(locker.path("vehicles"))
	require.NoError(t, err, "lease held by run-a must survive")

	require.NoError(t, locker.Release(ctx, held))
	_, err = os.Stat(locker.path("vehicles"))
	assert.True(t, os.IsNotExist(err))

	// releasing twice is harmless
	require.NoError(t, locker.Release(ctx, held))
}

func TestFileLockerSingleWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	locker := newFileLocker(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	holders := []string{"run-1", "run-2", "run-3", "run-4", "run-5", "run-6"}
	for _, h := range holders {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			if _, err := locker.Acquire(ctx, "vehicles", holder, time.Hour); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestAcquireAllRollsBackOnConflict(t *testing.T) {
	ctx := context.Background()
	locker := newFileLocker(t)

	_, err := locker.Acquire(ctx, "trips", "other-run", time.Hour)
	require.NoError(t, err)

	_, err = AcquireAll(ctx, locker, []string{"vehicles", "trips", "drivers"}, "run-a", time.Hour)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeLeaseHeld))

	// drivers sorted before trips and must have been released
	l, err := locker.Acquire(ctx, "drivers", "run-b", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "run-b", l.Holder)
}

func TestAcquireAllSortsTables(t *testing.T) {
	ctx := context.Background()
	rec := &recordingLocker{}

	leases, err := AcquireAll(ctx, rec, []string{"vehicles", "drivers", "trips"}, "run-a", time.Hour)
	require.NoError(t, err)
	require.Len(t, leases, 3)
	assert.Equal(t, []string{"drivers", "trips", "vehicles"}, rec.acquired)

	require.NoError(t, ReleaseAll(ctx, rec, leases))
	assert.Equal(t, []string{"drivers", "trips", "vehicles"}, rec.released)
}

func TestNewSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	l, err := New(models.LeaseConfig{Backend: "file"}, dir, nil)
	require.NoError(t, err)
	fl, ok := l.(*FileLocker)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "leases"), fl.dir)

	l, err = New(models.LeaseConfig{Backend: "none"}, dir, nil)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, l)

	l, err = New(models.LeaseConfig{Backend: "redis", RedisAddr: "localhost:6379"}, dir, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisLocker{}, l)

	_, err = New(models.LeaseConfig{Backend: "zookeeper"}, dir, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigInvalid))
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	locker := newRedisLocker(fake, nil)

	a, err := locker.Acquire(ctx, "vehicles", "run-a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "run-a", fake.values[KeyPrefix+"vehicles"])
	assert.Equal(t, time.Hour, fake.ttls[KeyPrefix+"vehicles"])

	_, err = locker.Acquire(ctx, "vehicles", "run-b", time.Hour)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeLeaseHeld))

	_, err = locker.Acquire(ctx, "vehicles", "run-a", 2*time.Hour)
	require.NoError(t, err, "same holder renews")
	assert.Equal(t, 2*time.Hour, fake.ttls[KeyPrefix+"vehicles"])

	require.NoError(t, locker.Release(ctx, &Lease{Table: "vehicles", Holder: "run-b"}))
	assert.Contains(t, fake.values, KeyPrefix+"vehicles")

	require.NoError(t, locker.Release(ctx, a))
	assert.NotContains(t, fake.values, KeyPrefix+"vehicles")
}

func TestRedisLockerUnavailable(t *testing.T) {
	fake := newFakeRedis()
	fake.err = redis.ErrClosed
	locker := newRedisLocker(fake, nil)

	_, err := locker.Acquire(context.Background(), "vehicles", "run-a", time.Hour)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInfra))
}

type recordingLocker struct {
	acquired []string
	released []string
}

func (r *recordingLocker) Acquire(_ context.Context, table, holder string, ttl time.Duration) (*Lease, error) {
	r.acquired = append(r.acquired, table)
	return &Lease{Table: table, Holder: holder}, nil
}

func (r *recordingLocker) Release(_ context.Context, l *Lease) error {
	r.released = append(r.released, l.Table)
	return nil
}

// fakeRedis understands the commands and the two scripts the locker sends.
type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	key := keys[0]
	if f.values[key] != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch script {
	case releaseScript:
		delete(f.values, key)
		delete(f.ttls, key)
	case renewScript:
		f.ttls[key] = time.Duration(args[1].(int64)) * time.Millisecond
	}
	return redis.NewCmdResult(int64(1), nil)
}
