package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeClock はテストで進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// switchableStore は到達可否を切り替えられるStore。
type switchableStore struct {
	inner Store
	down  atomic.Bool
	calls atomic.Int64
}

func (s *switchableStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return 0, 0, errors.New("connection refused")
	}
	return s.inner.Increment(ctx, key, window)
}

// newMiniredisStore はminiredisを使ったRedisStoreを生成する。
func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, 10*time.Second), mr
}

// TestLimiterFixedWindow は固定ウィンドウの境界を検証する。
func TestLimiterFixedWindow(t *testing.T) {
	t.Parallel()

	t.Run("上限番目は許可され上限+1番目は拒否されウィンドウ経過後は再び許可されること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		l, err := New(Config{Limit: 3, Window: time.Minute}, WithClock(clock.Now))
		require.NoError(t, err)

		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			d := l.Admit(ctx, "ip:1.2.3.4")
			assert.True(t, d.Allowed, "request %d", i)
			assert.Equal(t, int64(i), d.Count)
		}
		d := l.Admit(ctx, "ip:1.2.3.4")
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(4), d.Count)
		assert.Equal(t, int64(0), d.Remaining())

		d = l.Admit(ctx, "ip:1.2.3.4")
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(5), d.Count, "拒否されたリクエストも数えること")

		clock.Advance(time.Minute)
		d = l.Admit(ctx, "ip:1.2.3.4")
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.Count)
		assert.Equal(t, time.Minute, d.ResetAfter)
	})

	t.Run("識別子毎に独立したウィンドウを持つこと", func(t *testing.T) {
		t.Parallel()

		l, err := New(Config{Limit: 1, Window: time.Minute})
		require.NoError(t, err)

		ctx := context.Background()
		assert.True(t, l.Admit(ctx, "a").Allowed)
		assert.False(t, l.Admit(ctx, "a").Allowed)
		assert.True(t, l.Admit(ctx, "b").Allowed)
	})

	t.Run("不正な設定はエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := New(Config{Limit: 0, Window: time.Minute})
		assert.Error(t, err)
		_, err = New(Config{Limit: 1})
		assert.Error(t, err)
	})
}

// TestLimiterConcurrency は並行リクエストで上限を超えて許可しないことを検証する。
func TestLimiterConcurrency(t *testing.T) {
	t.Parallel()

	const (
		limit    = 100
		requests = 500
	)

	run := func(t *testing.T, l *Limiter) {
		t.Helper()

		var admitted atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < requests; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if l.Admit(context.Background(), "token:same").Allowed {
					admitted.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(t, int64(limit), admitted.Load())
	}

	t.Run("MemoryStoreで上限ちょうどだけ許可されること", func(t *testing.T) {
		t.Parallel()

		l, err := New(Config{Limit: limit, Window: time.Minute})
		require.NoError(t, err)
		run(t, l)
	})

	t.Run("RedisStoreで上限ちょうどだけ許可されること", func(t *testing.T) {
		t.Parallel()

		store, _ := newMiniredisStore(t)
		l, err := New(Config{Limit: limit, Window: time.Minute}, WithPrimary(store))
		require.NoError(t, err)
		run(t, l)
		assert.False(t, l.Degraded())
	})
}

// TestLimiterFailover は共有ストア障害時の縮退とフェイルオープンを検証する。
func TestLimiterFailover(t *testing.T) {
	t.Parallel()

	t.Run("共有ストアに到達できない場合はプロセス内ストアで判定し一度だけ警告すること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.WarnLevel)
		primary := &switchableStore{inner: NewMemoryStore()}
		primary.down.Store(true)

		l, err := New(Config{Limit: 2, Window: time.Minute}, WithPrimary(primary), WithLogger(zap.New(core)))
		require.NoError(t, err)

		ctx := context.Background()
		d := l.Admit(ctx, "a")
		assert.True(t, d.Allowed)
		assert.True(t, d.Degraded)
		assert.True(t, l.Degraded())
		assert.True(t, l.Admit(ctx, "a").Allowed)
		assert.False(t, l.Admit(ctx, "a").Allowed)

		assert.Equal(t, 1, logs.FilterMessageSnippet("縮退").Len())
	})

	t.Run("切り替え時にプロセス内のカウンタを新しいウィンドウとして数え直すこと", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		fallback := NewMemoryStore(WithMemoryClock(clock.Now))
		primary := &switchableStore{inner: NewMemoryStore(WithMemoryClock(clock.Now))}

		l, err := New(Config{Limit: 2, Window: time.Minute, ProbeInterval: time.Second},
			WithPrimary(primary), WithFallback(fallback), WithClock(clock.Now))
		require.NoError(t, err)
		ctx := context.Background()

		// 1回目の障害でプロセス内カウンタを使い切る
		primary.down.Store(true)
		l.Admit(ctx, "a")
		l.Admit(ctx, "a")
		assert.False(t, l.Admit(ctx, "a").Allowed)

		// 復旧
		primary.down.Store(false)
		clock.Advance(2 * time.Second)
		d := l.Admit(ctx, "a")
		assert.False(t, d.Degraded)
		assert.False(t, l.Degraded())

		// 同じウィンドウ内で再び障害が起きても前回のカウントを持ち越さない
		primary.down.Store(true)
		d = l.Admit(ctx, "a")
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.Count)
	})

	t.Run("縮退中は共有ストアへの問い合わせを間引くこと", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		primary := &switchableStore{inner: NewMemoryStore()}
		primary.down.Store(true)
		l, err := New(Config{Limit: 100, Window: time.Minute, ProbeInterval: time.Second},
			WithPrimary(primary), WithClock(clock.Now))
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			l.Admit(context.Background(), "a")
		}
		assert.Equal(t, int64(1), primary.calls.Load())

		clock.Advance(time.Second)
		l.Admit(context.Background(), "a")
		assert.Equal(t, int64(2), primary.calls.Load())
	})

	t.Run("呼び出し元のコンテキストがキャンセルされても縮退せず共有ストアで数えること", func(t *testing.T) {
		t.Parallel()

		store, _ := newMiniredisStore(t)
		l, err := New(Config{Limit: 1, Window: time.Minute}, WithPrimary(store))
		require.NoError(t, err)

		bg := context.Background()
		require.True(t, l.Admit(bg, "b").Allowed)
		require.False(t, l.Admit(bg, "b").Allowed)

		canceled, cancel := context.WithCancel(bg)
		cancel()
		d := l.Admit(canceled, "a")
		assert.True(t, d.Allowed)
		assert.False(t, d.Degraded)
		assert.False(t, l.Degraded())

		d = l.Admit(bg, "b")
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(3), d.Count)
		assert.False(t, d.Degraded)
	})

	t.Run("どのストアも使えない場合は許可すること", func(t *testing.T) {
		t.Parallel()

		primary := &switchableStore{inner: NewMemoryStore()}
		primary.down.Store(true)
		fallback := &switchableStore{inner: NewMemoryStore()}
		fallback.down.Store(true)

		l, err := New(Config{Limit: 1, Window: time.Minute}, WithPrimary(primary), WithFallback(fallback))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			d := l.Admit(context.Background(), "a")
			assert.True(t, d.Allowed)
			assert.True(t, d.FailedOpen)
		}
	})
}

// TestRedisStore はRedisStoreを検証する。
func TestRedisStore(t *testing.T) {
	t.Parallel()

	t.Run("初回の増加で有効期限が設定されウィンドウ経過後にリセットされること", func(t *testing.T) {
		t.Parallel()

		store, mr := newMiniredisStore(t)
		ctx := context.Background()

		count, ttl, err := store.Increment(ctx, "k", 60*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.Equal(t, 60*time.Second, ttl)

		mr.FastForward(30 * time.Second)
		count, ttl, err = store.Increment(ctx, "k", 60*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
		assert.Equal(t, 30*time.Second, ttl, "2回目以降は有効期限を延長しないこと")

		mr.FastForward(31 * time.Second)
		count, _, err = store.Increment(ctx, "k", 60*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("有効期限を失ったキーに期限を付け直すこと", func(t *testing.T) {
		t.Parallel()

		store, mr := newMiniredisStore(t)
		require.NoError(t, mr.Set("k", "5"))

		count, ttl, err := store.Increment(context.Background(), "k", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(6), count)
		assert.Equal(t, 10*time.Second, ttl)
		assert.Equal(t, 10*time.Second, mr.TTL("k"))
	})

	t.Run("Redisが停止している場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		store, mr := newMiniredisStore(t)
		mr.Close()

		_, _, err := store.Increment(context.Background(), "k", time.Second)
		assert.Error(t, err)
		assert.Error(t, store.Ping(context.Background()))
	})

	t.Run("Redis停止中はLimiterがプロセス内ストアに切り替えること", func(t *testing.T) {
		t.Parallel()

		store, mr := newMiniredisStore(t)
		l, err := New(Config{Limit: 1, Window: time.Minute}, WithPrimary(store))
		require.NoError(t, err)

		assert.True(t, l.Admit(context.Background(), "a").Allowed)
		mr.Close()
		d := l.Admit(context.Background(), "a")
		assert.True(t, d.Allowed, "切り替え後は新しいウィンドウとして数えること")
		assert.True(t, d.Degraded)
	})

	t.Run("URLからクライアントを生成できること", func(t *testing.T) {
		t.Parallel()

		client, err := NewRedisClient("redis://localhost:6379/2")
		require.NoError(t, err)
		assert.Equal(t, 2, client.Options().DB)
		_ = client.Close()

		_, err = NewRedisClient("http://not-redis")
		assert.Error(t, err)
	})
}

// TestIdentifier は識別子の生成を検証する。
func TestIdentifier(t *testing.T) {
	t.Parallel()

	t.Run("トークンがあればハッシュを使いトークン自体は含めないこと", func(t *testing.T) {
		t.Parallel()

		id := Identifier("secret-token", "10.0.0.1")
		assert.True(t, strings.HasPrefix(id, "token:"))
		assert.NotContains(t, id, "secret-token")
		assert.Equal(t, id, Identifier("secret-token", "10.0.0.2"))
	})

	t.Run("トークンが無ければクライアントIPを使うこと", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, "ip:10.0.0.1", Identifier("", "10.0.0.1"))
	})
}

// TestMemoryStore はMemoryStoreの掃除とリセットを検証する。
func TestMemoryStore(t *testing.T) {
	t.Parallel()

	t.Run("期限切れのウィンドウが掃除されること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		s := NewMemoryStore(WithMemoryClock(clock.Now))
		ctx := context.Background()
		_, _, _ = s.Increment(ctx, "a", time.Second)
		_, _, _ = s.Increment(ctx, "b", time.Second)
		assert.Equal(t, 2, s.Len())

		clock.Advance(sweepInterval)
		_, _, _ = s.Increment(ctx, "c", time.Second)
		assert.Equal(t, 1, s.Len())

		s.Reset()
		assert.Equal(t, 0, s.Len())
	})
}
