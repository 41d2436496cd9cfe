package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// Records are stored as JSON strings. Lua scripts decode them with cjson, so numeric
// fields travel as strings to avoid float rounding inside the script.
type redisRecord struct {
	Key           string `json:"key"`
	RequestHash   string `json:"request_hash"`
	State         State  `json:"state"`
	TransactionID string `json:"transaction_id,omitempty"`
	Result        string `json:"result,omitempty"`
	CreatedAt     string `json:"created_at"`
	ExpiresAt     string `json:"expires_at"`
}

var reserveScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return {1, ARGV[1]}
end
local rec = cjson.decode(cur)
if rec.state == 'released' and rec.request_hash == ARGV[3] then
  rec.state = 'in_flight'
  rec.expires_at = ARGV[4]
  local out = cjson.encode(rec)
  redis.call('SET', KEYS[1], out, 'PX', ARGV[2])
  return {1, out}
end
return {0, cur}
`)

var transitionScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
if rec.state ~= 'in_flight' then
  return 0
end
if ARGV[1] == 'attach' then
  rec.transaction_id = ARGV[2]
elseif ARGV[1] == 'complete' then
  rec.state = 'completed'
  rec.result = ARGV[2]
else
  rec.state = 'released'
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', ttl)
else
  redis.call('SET', KEYS[1], cjson.encode(rec))
end
return 1
`)

// RedisRepository expires records through key TTLs, so Purge has nothing to do.
type RedisRepository struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisRepository(client redis.UniversalClient) *RedisRepository {
	return &RedisRepository{client: client, now: time.Now}
}

func (r *RedisRepository) Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) (*Record, bool, error) {
	now := r.now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	fresh, err := json.Marshal(redisRecord{
		Key:         key,
		RequestHash: requestHash,
		State:       StateInFlight,
		CreatedAt:   now.UTC().Format(time.RFC3339Nano),
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, false, err
	}

	res, err := reserveScript.Run(ctx, r.client, []string{redisKeyPrefix + key},
		string(fresh), ttl.Milliseconds(), requestHash, expiresAt.UTC().Format(time.RFC3339Nano)).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("redis reserve failed: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("redis reserve: unexpected reply %v", res)
	}

	reserved, _ := res[0].(int64)
	raw, _ := res[1].(string)
	rec, err := decodeRedisRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return rec, reserved == 1, nil
}

func decodeRedisRecord(raw string) (*Record, error) {
	var rr redisRecord
	if err := json.Unmarshal([]byte(raw), &rr); err != nil {
		return nil, fmt.Errorf("redis record decode failed: %w", err)
	}
	rec := &Record{
		Key:         rr.Key,
		RequestHash: rr.RequestHash,
		State:       rr.State,
	}
	if rr.TransactionID != "" {
		id, err := strconv.ParseInt(rr.TransactionID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis record transaction id: %w", err)
		}
		rec.TransactionID = id
	}
	if rr.Result != "" {
		rec.Result = json.RawMessage(rr.Result)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, rr.CreatedAt)
	rec.ExpiresAt, _ = time.Parse(time.RFC3339Nano, rr.ExpiresAt)
	return rec, nil
}

func (r *RedisRepository) Attach(ctx context.Context, key string, transactionID int64) error {
	return r.transition(ctx, key, "attach", strconv.FormatInt(transactionID, 10))
}

func (r *RedisRepository) Complete(ctx context.Context, key string, result []byte) error {
	return r.transition(ctx, key, "complete", string(result))
}

func (r *RedisRepository) Release(ctx context.Context, key string) error {
	return r.transition(ctx, key, "release", "")
}

func (r *RedisRepository) transition(ctx context.Context, key, op, value string) error {
	n, err := transitionScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, op, value).Int()
	if err != nil {
		return fmt.Errorf("redis %s failed: %w", op, err)
	}
	if n == 0 {
		return ErrNotInFlight
	}
	return nil
}

func (r *RedisRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
