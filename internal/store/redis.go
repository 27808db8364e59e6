package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bemcculley/auto-merge/internal/metrics"
)

// Redis implements Store on top of a single go-redis client.
type Redis struct {
	client *redis.Client
}

// popHeadOrDeferScript inspects the head of a queue list without losing it.
// A head whose not_before is still in the future is rotated to the tail in
// the same script so no concurrent consumer can observe the list without it.
var popHeadOrDeferScript = redis.NewScript(`
local head = redis.call('LINDEX', KEYS[1], 0)
if not head then
  return {0, ''}
end
local ok, item = pcall(cjson.decode, head)
if ok and type(item) == 'table' and tonumber(item['not_before']) and tonumber(item['not_before']) > tonumber(ARGV[1]) then
  redis.call('LPOP', KEYS[1])
  redis.call('RPUSH', KEYS[1], head)
  return {2, head}
end
redis.call('LPOP', KEYS[1])
return {1, head}
`)

var compareAndExpireScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('EXPIRE', KEYS[1], ARGV[2])
else
  return 0
end
`)

var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`)

// Open connects to Redis from a redis:// URL and verifies the connection.
func Open(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func observe(op string, start time.Time) {
	metrics.RedisLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (r *Redis) ListPushTail(ctx context.Context, key, value string) error {
	defer observe("rpush", time.Now())
	return r.client.RPush(ctx, key, value).Err()
}

func (r *Redis) ListPopHead(ctx context.Context, key string) (string, bool, error) {
	defer observe("lpop", time.Now())
	v, err := r.client.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) ListPopHeadOrDefer(ctx context.Context, key string, now float64) (string, PopState, error) {
	defer observe("pop_or_defer", time.Now())
	res, err := popHeadOrDeferScript.Run(ctx, r.client, []string{key}, now).Result()
	if err != nil {
		return "", PopEmpty, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return "", PopEmpty, fmt.Errorf("unexpected pop reply %T", res)
	}
	status, _ := arr[0].(int64)
	value, _ := arr[1].(string)
	switch status {
	case 1:
		return value, PopOK, nil
	case 2:
		return value, PopDeferred, nil
	default:
		return "", PopEmpty, nil
	}
}

func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	defer observe("llen", time.Now())
	return r.client.LLen(ctx, key).Result()
}

func (r *Redis) ListIndex(ctx context.Context, key string, index int64) (string, bool, error) {
	defer observe("lindex", time.Now())
	v, err := r.client.LIndex(ctx, key, index).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	defer observe("lrange", time.Now())
	return r.client.LRange(ctx, key, start, stop).Result()
}

func (r *Redis) ListRemove(ctx context.Context, key string, count int64, value string) (int64, error) {
	defer observe("lrem", time.Now())
	return r.client.LRem(ctx, key, count, value).Result()
}

func (r *Redis) SetAdd(ctx context.Context, key, member string) (bool, error) {
	defer observe("sadd", time.Now())
	n, err := r.client.SAdd(ctx, key, member).Result()
	return n > 0, err
}

func (r *Redis) SetContains(ctx context.Context, key, member string) (bool, error) {
	defer observe("sismember", time.Now())
	return r.client.SIsMember(ctx, key, member).Result()
}

func (r *Redis) SetRemove(ctx context.Context, key, member string) error {
	defer observe("srem", time.Now())
	return r.client.SRem(ctx, key, member).Err()
}

func (r *Redis) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	defer observe("set", time.Now())
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	defer observe("setnx", time.Now())
	if ttl < 0 {
		ttl = 0
	}
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	defer observe("get", time.Now())
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	defer observe("del", time.Now())
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) HashSet(ctx context.Context, key, field, value string) error {
	defer observe("hset", time.Now())
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *Redis) HashSetIfAbsent(ctx context.Context, key, field, value string) error {
	defer observe("hsetnx", time.Now())
	return r.client.HSetNX(ctx, key, field, value).Err()
}

func (r *Redis) HashDeleteField(ctx context.Context, key, field string) error {
	defer observe("hdel", time.Now())
	return r.client.HDel(ctx, key, field).Err()
}

func (r *Redis) CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	defer observe("compare_expire", time.Now())
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	n, err := compareAndExpireScript.Run(ctx, r.client, []string{key}, expect, secs).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	defer observe("compare_delete", time.Now())
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, expect).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) PushTailBatch(ctx context.Context, p TailPush) error {
	defer observe("push_batch", time.Now())
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, p.ListKey, p.Value)
		pipe.SAdd(ctx, p.SetKey, p.SetMember)
		if p.HashKey != "" {
			pipe.HSetNX(ctx, p.HashKey, p.HashField, p.HashValue)
		}
		return nil
	})
	return err
}

func (r *Redis) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	defer observe("scan", time.Now())
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
