package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript はカウンタの増加と初回の有効期限設定を原子的に行う。
// 有効期限を失ったキーにも期限を付け直し、カウンタが永続化しないようにする。
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore は複数のgatewayプロセスで共有するRedis上のStore。
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisStore はRedisStoreを生成する。timeoutは1回の増加操作にかける上限時間。
func NewRedisStore(client redis.UniversalClient, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &RedisStore{client: client, timeout: timeout}
}

// NewRedisClient はredis://形式のURLからクライアントを生成する。
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Increment はLuaスクリプトでカウンタを増やし、増加後の値と残りTTLを返す。
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := fixedWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("レート制限カウンタの更新に失敗: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("レート制限スクリプトの戻り値が不正です: %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Ping は共有ストアへの疎通を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.Ping(ctx).Err()
}
