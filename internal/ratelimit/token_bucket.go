package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// sharedBuckets keeps token buckets in Redis hashes so every process sees one balance.
type sharedBuckets struct {
	client redis.UniversalClient
	prefix string
}

func newSharedBuckets(client redis.UniversalClient, prefix string) *sharedBuckets {
	return &sharedBuckets{client: client, prefix: prefix}
}

func (s *sharedBuckets) key(tenant, operation string) string {
	return s.prefix + ":" + tenant + ":" + operation
}

// take refills and consumes atomically. The caller supplies now so every
// process agrees on the refill clock it was configured with.
func (s *sharedBuckets) take(ctx context.Context, tenant, operation string, tokens int, b Bucket, now time.Time) (bool, time.Duration, error) {
	res, err := bucketScript.Run(ctx, s.client,
		[]string{s.key(tenant, operation)},
		b.Capacity, b.RefillRate, now.UnixMilli(), tokens, b.ttl().Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, errors.Wrap(err, "run bucket script")
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, errors.Newf("unexpected bucket script reply %T", res)
	}
	flag, _ := arr[0].(int64)
	waitStr, _ := arr[1].(string)
	waitSec, err := strconv.ParseFloat(waitStr, 64)
	if err != nil {
		return false, 0, errors.Wrapf(err, "parse wait %q", waitStr)
	}
	return flag == 1, secondsToDuration(waitSec), nil
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 || math.IsNaN(sec) {
		return 0
	}
	if sec > float64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Ceil(sec * float64(time.Second)))
}

// Wait and tokens come back as strings; integer replies would truncate them.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
local wait = 0
if tokens >= requested then
  allowed = 1
  tokens = tokens - requested
else
  wait = (requested - tokens) / refill
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', math.max(now, last))
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(wait), tostring(tokens)}
`)
