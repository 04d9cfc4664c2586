package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/handoff/internal/handoff"
)

// Queue keeps the waiting users in a sorted set scored by enqueue time in
// microseconds. Members are "<seq>:<user>" with a zero-padded sequence from
// INCR, so equal scores pop in insertion order; a hash maps each user to its
// current member. Every mutation runs as one Lua script, which makes pops
// atomic across broker processes.
type Queue struct {
	rdb *redis.Client
	key string
}

var _ handoff.Queue = (*Queue)(nil)

const seqWidth = 19

var enqueueScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[2], ARGV[2])
if old then redis.call('ZREM', KEYS[1], old) end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var popScript = redis.NewScript(`
local z = redis.call('ZPOPMIN', KEYS[1])
if #z == 0 then return false end
local user = string.sub(z[1], 21)
if redis.call('HGET', KEYS[2], user) == z[1] then redis.call('HDEL', KEYS[2], user) end
return {z[1], z[2]}
`)

var removeScript = redis.NewScript(`
local m = redis.call('HGET', KEYS[2], ARGV[1])
if not m then return 0 end
redis.call('HDEL', KEYS[2], ARGV[1])
return redis.call('ZREM', KEYS[1], m)
`)

func NewQueue(rdb *redis.Client, key string) *Queue {
	if key == "" {
		key = "handoff:waiting"
	}
	return &Queue{rdb: rdb, key: key}
}

func NewClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (q *Queue) keys() []string {
	return []string{q.key, q.key + ":members", q.key + ":seq"}
}

func member(seq int64, userID string) string {
	return fmt.Sprintf("%0*d:%s", seqWidth, seq, userID)
}

func userOf(m string) string {
	if len(m) <= seqWidth {
		return m
	}
	return m[seqWidth+1:]
}

func fromScore(s float64) time.Time { return time.UnixMicro(int64(s)).UTC() }

func (q *Queue) Enqueue(ctx context.Context, userID string, at time.Time) error {
	keys := q.keys()
	seq, err := q.rdb.Incr(ctx, keys[2]).Result()
	if err != nil {
		return err
	}
	score := strconv.FormatInt(at.UnixMicro(), 10)
	return enqueueScript.Run(ctx, q.rdb, keys[:2], score, userID, member(seq, userID)).Err()
}

func (q *Queue) DequeueNext(ctx context.Context) (handoff.Entry, bool, error) {
	res, err := popScript.Run(ctx, q.rdb, q.keys()[:2]).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return handoff.Entry{}, false, nil
		}
		return handoff.Entry{}, false, err
	}
	if len(res) != 2 {
		return handoff.Entry{}, false, fmt.Errorf("redisstore: unexpected pop reply %v", res)
	}
	score, err := strconv.ParseFloat(res[1], 64)
	if err != nil {
		return handoff.Entry{}, false, fmt.Errorf("redisstore: bad score %q: %w", res[1], err)
	}
	return handoff.Entry{UserID: userOf(res[0]), EnqueuedAt: fromScore(score)}, true, nil
}

func (q *Queue) Remove(ctx context.Context, userID string) (bool, error) {
	n, err := removeScript.Run(ctx, q.rdb, q.keys()[:2], userID).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *Queue) List(ctx context.Context) ([]handoff.Entry, error) {
	zs, err := q.rdb.ZRangeWithScores(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]handoff.Entry, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, handoff.Entry{UserID: userOf(m), EnqueuedAt: fromScore(z.Score)})
	}
	return out, nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
