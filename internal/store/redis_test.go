package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/ledger"
	"github.com/atmx/lp-rebalancer/internal/model"
	"github.com/atmx/lp-rebalancer/internal/store"
)

// fakeRedis answers GET, SET and DEL from a map inside a client hook, so
// no server is dialed.
type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	failDel bool
}

func (f *fakeRedis) DialHook(next redis.DialHook) redis.DialHook { return next }

func (f *fakeRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (f *fakeRedis) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		f.mu.Lock()
		defer f.mu.Unlock()

		args := cmd.Args()
		key := fmt.Sprint(args[1])
		switch c := cmd.(type) {
		case *redis.StringCmd:
			v, ok := f.data[key]
			if !ok {
				c.SetErr(redis.Nil)
				return redis.Nil
			}
			c.SetVal(v)
		case *redis.StatusCmd:
			switch v := args[2].(type) {
			case []byte:
				f.data[key] = string(v)
			default:
				f.data[key] = fmt.Sprint(v)
			}
			c.SetVal("OK")
		case *redis.IntCmd:
			if f.failDel {
				err := errors.New("READONLY You can't write against a read only replica")
				c.SetErr(err)
				return err
			}
			var n int64
			if _, ok := f.data[key]; ok {
				delete(f.data, key)
				n = 1
			}
			c.SetVal(n)
		default:
			return fmt.Errorf("unexpected command %s", cmd.Name())
		}
		return nil
	}
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func (f *fakeRedis) setFailDel(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDel = fail
}

func newCachedStore(t *testing.T) (*store.CachedStore, *store.MemoryStore, *fakeRedis) {
	t.Helper()
	fake := &fakeRedis{data: make(map[string]string)}
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	rdb.AddHook(fake)
	t.Cleanup(func() { _ = rdb.Close() })

	primary := store.NewMemoryStore()
	return store.NewCachedStore(primary, rdb, time.Minute), primary, fake
}

func TestCachedStore_ReadThroughAndInvalidate(t *testing.T) {
	s, _, fake := newCachedStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetProperty(ctx, "CurrentDeficit-USDC", "1"))
	p, err := s.GetProperty(ctx, "CurrentDeficit-USDC")
	require.NoError(t, err)
	assert.Equal(t, "1", p.Value)
	assert.True(t, fake.has("lprb:property:CurrentDeficit-USDC"), "read populates the cache")

	require.NoError(t, s.SetProperty(ctx, "CurrentDeficit-USDC", "2"))
	assert.False(t, fake.has("lprb:property:CurrentDeficit-USDC"), "write invalidates")
	p, err = s.GetProperty(ctx, "CurrentDeficit-USDC")
	require.NoError(t, err)
	assert.Equal(t, "2", p.Value)

	now := time.Now().UTC()
	require.NoError(t, s.CreateRecord(ctx, &model.PositionRecord{PositionID: "7", CreatedAt: now, UpdatedAt: now}))
	assert.True(t, fake.has("lprb:record:7"))

	require.NoError(t, s.DeleteRecord(ctx, "7"))
	_, err = s.GetRecord(ctx, "7")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCachedStore_FailedInvalidationIsReturned(t *testing.T) {
	s, primary, fake := newCachedStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := &model.PositionRecord{PositionID: "7", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateRecord(ctx, rec))
	_, err := s.GetRecord(ctx, "7")
	require.NoError(t, err)

	fake.setFailDel(true)
	rec.RedepositAttemptsRemaining = 4
	err = s.UpdateRecord(ctx, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalidate cache lprb:record:7")

	stored, err := primary.GetRecord(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, 4, stored.RedepositAttemptsRemaining, "primary write happened")

	got, err := s.GetRecord(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, 4, got.RedepositAttemptsRemaining, "dirty key bypasses the stale cache")
}

func TestCachedStore_LedgerNeverReadsStaleCounter(t *testing.T) {
	s, _, fake := newCachedStore(t)
	ctx := context.Background()
	acct := ledger.NewAccount(s, zap.NewNop())

	require.NoError(t, acct.AddDeficit(ctx, "USDC", d(10), "gas"))
	deficit, err := acct.Deficit(ctx, "USDC")
	require.NoError(t, err)
	require.True(t, deficit.Equal(d(10)))

	// The cached "10" cannot be dropped.
	fake.setFailDel(true)
	assert.Error(t, acct.AddDeficit(ctx, "USDC", d(5), "gas"))

	deficit, err = acct.Deficit(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, deficit.Equal(d(15)), "deficit %s", deficit)

	fake.setFailDel(false)
	_, err = acct.Payback(ctx, "USDC", d(4))
	require.NoError(t, err)

	deficit, err = acct.Deficit(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, deficit.Equal(d(11)), "deficit %s", deficit)
}
