// Package quota tracks per-upstream daily and monthly USD spend against the
// limits configured on model.Upstream, accumulating spend in fixed
// calendar-day and calendar-month Redis buckets through a Lua script.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordSpendScript atomically adds a cost to a bucket keyed by upstream+period
// and reports whether the bucket (after the add) is at or over its limit.
// KEYS[1] = bucket key
// ARGV[1] = cost to add
// ARGV[2] = limit (0 means unlimited — always returns not-exceeded)
// ARGV[3] = bucket TTL in seconds
// Returns: 1 if the limit is now exceeded, 0 otherwise.
var recordSpendScript = redis.NewScript(`
	local key   = KEYS[1]
	local cost  = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local ttl   = tonumber(ARGV[3])

	local total = redis.call('INCRBYFLOAT', key, cost)
	redis.call('EXPIRE', key, ttl)

	if limit > 0 and tonumber(total) >= limit then
		return 1
	end
	return 0
`)

// Tracker accumulates spend per upstream per calendar day/month and answers
// whether either limit has been exceeded. It degrades gracefully when Redis
// is unreachable: spend recording becomes a no-op and the quota probe reports
// "not exceeded" rather than blocking traffic on a Redis outage.
type Tracker struct {
	rdb *redis.Client
}

// NewTracker builds a Tracker over an existing Redis client. A nil client
// disables quota tracking entirely (every check reports not-exceeded).
func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{rdb: rdb}
}

// RecordSpend adds cost (USD) to the daily and monthly buckets for upstreamID
// and reports whether either configured limit is now exceeded.
func (t *Tracker) RecordSpend(ctx context.Context, upstreamID string, cost, dailyLimit, monthlyLimit float64) (exceeded bool, err error) {
	if t.rdb == nil {
		return false, nil
	}

	now := time.Now().UTC()
	dayKey := fmt.Sprintf("quota:spend:day:%s:%s", upstreamID, now.Format("2006-01-02"))
	monthKey := fmt.Sprintf("quota:spend:month:%s:%s", upstreamID, now.Format("2006-01"))

	dayExceeded, err := t.runCheck(ctx, dayKey, cost, dailyLimit, 2*24*time.Hour)
	if err != nil {
		return false, nil // graceful degradation
	}
	monthExceeded, err := t.runCheck(ctx, monthKey, cost, monthlyLimit, 32*24*time.Hour)
	if err != nil {
		return false, nil
	}

	return dayExceeded || monthExceeded, nil
}

func (t *Tracker) runCheck(ctx context.Context, key string, cost, limit float64, ttl time.Duration) (bool, error) {
	result, err := recordSpendScript.Run(ctx, t.rdb,
		[]string{key}, cost, limit, int64(ttl.Seconds()),
	).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// CurrentlyExceeded re-checks both buckets without adding spend. Nothing in
// the gateway calls it; the request path learns the state from RecordSpend.
func (t *Tracker) CurrentlyExceeded(ctx context.Context, upstreamID string, dailyLimit, monthlyLimit float64) (bool, error) {
	return t.RecordSpend(ctx, upstreamID, 0, dailyLimit, monthlyLimit)
}
