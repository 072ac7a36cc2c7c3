package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"maskgate/internal/warrant/models"
	"maskgate/pkg/platform/sentinel"
)

// RedisRecords keeps AnchorRecords in Redis hashes (fields "version" and
// "record"). Writes go through Lua scripts so version checks and updates are
// atomic on the server.
type RedisRecords struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// RedisOption configures RedisRecords.
type RedisOption func(*RedisRecords)

// WithKeyPrefix overrides the default "maskgate:anchor:" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisRecords) {
		s.prefix = prefix
	}
}

// WithRetention expires records this long after they reach a terminal state.
// Zero keeps them forever.
func WithRetention(d time.Duration) RedisOption {
	return func(s *RedisRecords) {
		s.retention = d
	}
}

func NewRedisRecords(client redis.UniversalClient, opts ...RedisOption) *RedisRecords {
	s := &RedisRecords{client: client, prefix: "maskgate:anchor:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KEYS[1] record key; ARGV[1] expected version; ARGV[2] record JSON; ARGV[3] ttl ms.
// Returns the new version, -1 when the record is missing, -2 on version mismatch.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
local expected = tonumber(ARGV[1])
if not cur then
  if expected ~= 0 then return -1 end
elseif tonumber(cur) ~= expected then
  return -2
end
local next = expected + 1
redis.call('HSET', KEYS[1], 'version', next, 'record', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return next
`)

// KEYS[1] record key; ARGV[1] record JSON; ARGV[2] ttl ms.
var putScript = redis.NewScript(`
local next = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'record', ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return next
`)

func (s *RedisRecords) key(warrantID string) string {
	return s.prefix + warrantID
}

func (s *RedisRecords) ttlFor(rec *models.AnchorRecord) int64 {
	if s.retention > 0 && rec.State.IsTerminal() {
		return s.retention.Milliseconds()
	}
	return 0
}

func (s *RedisRecords) Get(ctx context.Context, warrantID string) (*models.AnchorRecord, error) {
	vals, err := s.client.HMGet(ctx, s.key(warrantID), "version", "record").Result()
	if err != nil {
		return nil, fmt.Errorf("get anchor record: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, fmt.Errorf("anchor record %s: %w", warrantID, sentinel.ErrNotFound)
	}
	raw, ok := vals[1].(string)
	if !ok {
		return nil, fmt.Errorf("anchor record %s: unexpected payload type %T", warrantID, vals[1])
	}
	var rec models.AnchorRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode anchor record: %w", err)
	}
	versionStr, _ := vals[0].(string)
	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode anchor record version: %w", err)
	}
	rec.Version = version
	return &rec, nil
}

func (s *RedisRecords) Put(ctx context.Context, rec *models.AnchorRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode anchor record: %w", err)
	}
	version, err := putScript.Run(ctx, s.client, []string{s.key(rec.WarrantID)}, payload, s.ttlFor(rec)).Int64()
	if err != nil {
		return fmt.Errorf("put anchor record: %w", err)
	}
	rec.Version = version
	return nil
}

func (s *RedisRecords) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *models.AnchorRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode anchor record: %w", err)
	}
	result, err := casScript.Run(ctx, s.client, []string{s.key(rec.WarrantID)}, expectedVersion, payload, s.ttlFor(rec)).Int64()
	if err != nil {
		return fmt.Errorf("compare-and-swap anchor record: %w", err)
	}
	switch result {
	case -1:
		return fmt.Errorf("anchor record %s: %w", rec.WarrantID, sentinel.ErrNotFound)
	case -2:
		return fmt.Errorf("anchor record %s moved past version %d: %w", rec.WarrantID, expectedVersion, sentinel.ErrConflict)
	}
	rec.Version = result
	return nil
}
