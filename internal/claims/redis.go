package claims

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is the claim registry for multi-process deployments: SET NX PX
// for the compare-and-set, owner-checked deletes via Lua, and a per-owner
// index set for ReleaseOwner.
type Redis struct {
	rdb       *redis.Client
	lease     time.Duration
	resolvedT time.Duration
}

// how long a resolved marker outlives the booking; opportunities are for
// concrete dates, so a day is ample
const resolvedRetention = 24 * time.Hour

func NewRedis(rdb *redis.Client, lease time.Duration) *Redis {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Redis{rdb: rdb, lease: lease, resolvedT: resolvedRetention}
}

func claimKey(key string) string  { return "slotwatch:claim:" + key }
func ownerKey(owner int64) string { return fmt.Sprintf("slotwatch:claims:owner:%d", owner) }

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var resolveScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0`)

func (r *Redis) TryClaim(ctx context.Context, key string, owner int64) (*Claim, error) {
	id := uuid.NewString()
	val := fmt.Sprintf("%d|%s", owner, id)

	ok, err := r.rdb.SetNX(ctx, claimKey(key), val, r.lease).Result()
	if err != nil {
		return nil, fmt.Errorf("claims: redis setnx: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyClaimed
	}

	// index failure is tolerable; the claim itself stands
	pipe := r.rdb.Pipeline()
	pipe.SAdd(ctx, ownerKey(owner), key)
	pipe.Expire(ctx, ownerKey(owner), r.resolvedT)
	_, _ = pipe.Exec(ctx)

	return &Claim{
		ID:       id,
		Key:      key,
		Owner:    owner,
		Deadline: time.Now().Add(r.lease),
	}, nil
}

func (r *Redis) Resolve(ctx context.Context, c *Claim) error {
	val := fmt.Sprintf("%d|%s", c.Owner, c.ID)
	err := resolveScript.Run(ctx, r.rdb,
		[]string{claimKey(c.Key)},
		val, "resolved", r.resolvedT.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("claims: redis resolve: %w", err)
	}
	r.rdb.SRem(ctx, ownerKey(c.Owner), c.Key)
	return nil
}

func (r *Redis) Release(ctx context.Context, c *Claim) error {
	val := fmt.Sprintf("%d|%s", c.Owner, c.ID)
	if err := releaseScript.Run(ctx, r.rdb, []string{claimKey(c.Key)}, val).Err(); err != nil {
		return fmt.Errorf("claims: redis release: %w", err)
	}
	r.rdb.SRem(ctx, ownerKey(c.Owner), c.Key)
	return nil
}

func (r *Redis) ReleaseOwner(ctx context.Context, owner int64) error {
	keys, err := r.rdb.SMembers(ctx, ownerKey(owner)).Result()
	if err != nil {
		return fmt.Errorf("claims: redis smembers: %w", err)
	}
	prefix := fmt.Sprintf("%d|", owner)
	for _, key := range keys {
		val, err := r.rdb.Get(ctx, claimKey(key)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("claims: redis get: %w", err)
		}
		if strings.HasPrefix(val, prefix) {
			if err := releaseScript.Run(ctx, r.rdb, []string{claimKey(key)}, val).Err(); err != nil {
				return fmt.Errorf("claims: redis release: %w", err)
			}
		}
	}
	return r.rdb.Del(ctx, ownerKey(owner)).Err()
}

func (r *Redis) ActiveByOwner(ctx context.Context, owner int64) (int, error) {
	keys, err := r.rdb.SMembers(ctx, ownerKey(owner)).Result()
	if err != nil {
		return 0, fmt.Errorf("claims: redis smembers: %w", err)
	}
	prefix := fmt.Sprintf("%d|", owner)
	n := 0
	for _, key := range keys {
		val, err := r.rdb.Get(ctx, claimKey(key)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("claims: redis get: %w", err)
		}
		if strings.HasPrefix(val, prefix) {
			n++
		}
	}
	return n, nil
}
