package retryqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue stores deferred entries in a sorted set scored by the
// eligible-at time (unix milliseconds). Safe to share across processes:
// popping due entries is atomic via Lua, so two dispatchers never dequeue
// the same contact.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

const defaultKey = "dialer:retry_queue"

func NewRedis(rdb *redis.Client, key string) (*RedisQueue, error) {
	if rdb == nil {
		return nil, fmt.Errorf("retryqueue: redis client is nil")
	}
	if key == "" {
		key = defaultKey
	}
	return &RedisQueue{rdb: rdb, key: key}, nil
}

var popDueScript = redis.NewScript(`
-- KEYS[1] = sorted set key
-- ARGV[1] = max score (now, unix ms)
-- ARGV[2] = limit
--
-- Returns the removed members (earliest first).
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #due > 0 then
  redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`)

// member carries the entry payload; EligibleAt lives in the score. The
// contact id is embedded so Schedule can replace an earlier entry for the
// same contact.
type member struct {
	ContactID  string `json:"contact_id"`
	CampaignID string `json:"campaign_id"`
	Attempt    int    `json:"attempt"`
}

func (q *RedisQueue) Schedule(ctx context.Context, e Entry) error {
	// Remove any earlier entry for this contact before adding. Members
	// differ by attempt count, so ZADD alone would not deduplicate.
	if err := q.removeContact(ctx, e.ContactID); err != nil {
		return err
	}
	raw, err := json.Marshal(member{ContactID: e.ContactID, CampaignID: e.CampaignID, Attempt: e.Attempt})
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(e.EligibleAt.UnixMilli()),
		Member: string(raw),
	}).Err()
}

func (q *RedisQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := popDueScript.Run(ctx, q.rdb, []string{q.key}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, raw := range rows {
		var m member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			// A corrupt member is dropped; it was already removed by the script.
			continue
		}
		out = append(out, Entry{ContactID: m.ContactID, CampaignID: m.CampaignID, Attempt: m.Attempt, EligibleAt: now})
	}
	return out, nil
}

func (q *RedisQueue) DropCampaign(ctx context.Context, campaignID string) error {
	return q.removeMatching(ctx, func(m member) bool { return m.CampaignID == campaignID })
}

func (q *RedisQueue) Pending(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	return int(n), err
}

func (q *RedisQueue) removeContact(ctx context.Context, contactID string) error {
	return q.removeMatching(ctx, func(m member) bool { return m.ContactID == contactID })
}

func (q *RedisQueue) removeMatching(ctx context.Context, match func(member) bool) error {
	rows, err := q.rdb.ZRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return err
	}
	var doomed []any
	for _, raw := range rows {
		var m member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if match(m) {
			doomed = append(doomed, raw)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	return q.rdb.ZRem(ctx, q.key, doomed...).Err()
}
