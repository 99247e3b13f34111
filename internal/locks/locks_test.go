package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), RouteKey(1))
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxSeen)
	assert.Empty(t, l.slots, "slots are dropped once unused")
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), RequestKey(42))
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, RequestKey(42))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Acquire(context.Background(), RequestKey(43))
	require.NoError(t, err)
	other()
}

type fakeRedis struct {
	mu       sync.Mutex
	held     map[string]string
	setErr   error
	released []string
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewBoolResult(false, f.setErr)
	}
	if _, ok := f.held[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.held[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[keys[0]] == args[0] {
		delete(f.held, keys[0])
		f.released = append(f.released, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	f := &fakeRedis{held: map[string]string{}}
	l := NewRedisLocker(f, time.Second, nil)

	release, err := l.Acquire(context.Background(), RouteKey(5))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, RouteKey(5))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Equal(t, []string{"lock:route:5"}, f.released)

	release2, err := l.Acquire(context.Background(), RouteKey(5))
	require.NoError(t, err)
	release2()
}

func TestRedisLocker_PropagatesErrors(t *testing.T) {
	f := &fakeRedis{held: map[string]string{}, setErr: errors.New("connection refused")}
	l := NewRedisLocker(f, time.Second, nil)

	_, err := l.Acquire(context.Background(), RouteKey(5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
