package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"seedkeeper/internal/config"
	logx "seedkeeper/pkg/logx"
)

// checkScript runs one admission check atomically. Scores and cutoffs come
// in preformatted so the script never turns a number into a string.
//
// KEYS: user zset, user last-use, global zset.
// ARGV: now_ms, cooldown_ms, member, user_cut, global_cut, user_ttl_ms,
// global_ttl_ms, n_user, (floor, limit, span_ms)*n_user, n_global,
// (floor, limit, span_ms)*n_global. A floor is "(<now-span>".
//
// Returns {code, retry_ms, span_ms, limit}; code 0 allowed, 1 cooldown,
// 2 user window, 3 global window.
var checkScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
local member = ARGV[3]

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', ARGV[5])

if cooldown > 0 then
  local last = tonumber(redis.call('GET', KEYS[2]) or '')
  if last and now - last < cooldown then
    return {1, cooldown - (now - last), 0, 0}
  end
end

local function full(key, first, count, code)
  local i = first
  for _ = 1, count do
    local floor = ARGV[i]
    local limit = tonumber(ARGV[i + 1])
    local span = tonumber(ARGV[i + 2])
    i = i + 3
    if redis.call('ZCOUNT', key, floor, '+inf') >= limit then
      local oldest = redis.call('ZRANGEBYSCORE', key, floor, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
      local retry = span
      if oldest[2] then retry = tonumber(oldest[2]) + span - now end
      return {code, retry, span, limit}
    end
  end
  return nil
end

local nu = tonumber(ARGV[8])
local denied = full(KEYS[1], 9, nu, 2)
if denied then return denied end
local gi = 9 + nu * 3
local ng = tonumber(ARGV[gi])
denied = full(KEYS[3], gi + 1, ng, 3)
if denied then return denied end

if nu > 0 then
  redis.call('ZADD', KEYS[1], ARGV[1], member)
  redis.call('PEXPIRE', KEYS[1], ARGV[6])
end
if ng > 0 then
  redis.call('ZADD', KEYS[3], ARGV[1], member)
  redis.call('PEXPIRE', KEYS[3], ARGV[7])
end
if cooldown > 0 then
  redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
end
return {0, 0, 0, 0}
`)

// Redis shares windows between every worker connected to the same server.
type Redis struct {
	rdb    redis.Cmdable
	prefix string
	pol    atomic.Pointer[policy]
	now    func() time.Time
	log    logx.Logger
}

type RedisOption func(*Redis)

func WithRedisClock(now func() time.Time) RedisOption { return func(r *Redis) { r.now = now } }

func NewRedis(rdb redis.Cmdable, prefix string, cfg config.RateLimitConfig, log logx.Logger, opts ...RedisOption) (*Redis, error) {
	r := &Redis{rdb: rdb, prefix: prefix + "rl:", now: time.Now, log: log.With(logx.String("comp", "ratelimit.redis"))}
	for _, o := range opts {
		o(r)
	}
	if err := r.Apply(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Redis) Apply(cfg config.RateLimitConfig) error {
	p, err := compile(cfg)
	if err != nil {
		return err
	}
	r.pol.Store(p)
	return nil
}

func (r *Redis) userKey(class, user string) string { return r.prefix + "u:" + class + ":" + user }
func (r *Redis) lastKey(class, user string) string { return r.prefix + "l:" + class + ":" + user }
func (r *Redis) globalKey(class string) string     { return r.prefix + "g:" + class }

func ms(v int64) string { return strconv.FormatInt(v, 10) }

func appendWindows(args []any, ws []config.Window, now int64) []any {
	args = append(args, ms(int64(len(ws))))
	for _, w := range ws {
		span := w.Span.Milliseconds()
		args = append(args, "("+ms(now-span), ms(int64(w.Limit)), ms(span))
	}
	return args
}

func (r *Redis) Check(ctx context.Context, userID, command string, privileged bool) (Decision, error) {
	p := r.pol.Load()
	c, d, done := p.precheck(command, privileged)
	if done {
		return record(d), nil
	}
	now := r.now().UnixMilli()
	ulong, glong := c.longest(c.Windows).Milliseconds(), c.longest(c.Global).Milliseconds()
	args := []any{
		ms(now),
		ms(c.Cooldown.Milliseconds()),
		uuid.NewString(),
		ms(now - ulong),
		ms(now - glong),
		ms(max(ulong, 1)),
		ms(max(glong, 1)),
	}
	args = appendWindows(args, c.Windows, now)
	args = appendWindows(args, c.Global, now)

	keys := []string{r.userKey(c.Name, userID), r.lastKey(c.Name, userID), r.globalKey(c.Name)}
	res, err := checkScript.Run(ctx, r.rdb, keys, args...).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 4 {
		return Decision{}, errors.New("ratelimit: unexpected script reply")
	}
	retry := time.Duration(res[1]) * time.Millisecond
	w := config.Window{Span: time.Duration(res[2]) * time.Millisecond, Limit: int(res[3])}
	switch res[0] {
	case 1:
		return record(denyCooldown(c, retry)), nil
	case 2:
		return record(denyWindow(c, w, retry)), nil
	case 3:
		return record(denyGlobal(c, retry)), nil
	}
	return record(Decision{Allowed: true, Result: ResultAllowed, Class: c.Name}), nil
}

func (r *Redis) Reset(ctx context.Context, userID string) error {
	p := r.pol.Load()
	keys := make([]string, 0, 2*len(p.order))
	for _, name := range p.order {
		keys = append(keys, r.userKey(name, userID), r.lastKey(name, userID))
	}
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) Status(ctx context.Context, userID string) ([]ClassStatus, error) {
	p := r.pol.Load()
	now := r.now().UnixMilli()

	type pending struct {
		class int
		w     config.Window
		glob  bool
		cmd   *redis.IntCmd
	}
	var counts []pending
	lasts := make([]*redis.StringCmd, len(p.order))
	out := make([]ClassStatus, len(p.order))

	pipe := r.rdb.Pipeline()
	for i, name := range p.order {
		c := p.classes[name]
		out[i].Class = name
		lasts[i] = pipe.Get(ctx, r.lastKey(name, userID))
		for _, w := range c.Windows {
			floor := "(" + ms(now-w.Span.Milliseconds())
			counts = append(counts, pending{i, w, false, pipe.ZCount(ctx, r.userKey(name, userID), floor, "+inf")})
		}
		for _, w := range c.Global {
			floor := "(" + ms(now-w.Span.Milliseconds())
			counts = append(counts, pending{i, w, true, pipe.ZCount(ctx, r.globalKey(name), floor, "+inf")})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i, name := range p.order {
		c := p.classes[name]
		if last, err := lasts[i].Int64(); err == nil && c.Cooldown > 0 {
			out[i].CooldownLeft = max(c.Cooldown-time.Duration(now-last)*time.Millisecond, 0)
		}
	}
	for _, pc := range counts {
		n := int(pc.cmd.Val())
		out[pc.class].Windows = append(out[pc.class].Windows, WindowStatus{
			Span: pc.w.Span, Limit: pc.w.Limit, Used: n, Remaining: max(pc.w.Limit-n, 0), Global: pc.glob,
		})
	}
	return out, nil
}

// Prune trims every usage set. Checks already prune the keys they touch and
// idle keys expire on their own; this catches users who went quiet.
func (r *Redis) Prune(ctx context.Context) (int, error) {
	p := r.pol.Load()
	now := r.now().UnixMilli()
	removed := 0
	for _, name := range p.order {
		c := p.classes[name]
		cut := ms(now - c.longest(c.Windows).Milliseconds())
		iter := r.rdb.Scan(ctx, 0, r.prefix+"u:"+name+":*", 200).Iterator()
		for iter.Next(ctx) {
			n, err := r.rdb.ZRemRangeByScore(ctx, iter.Val(), "-inf", cut).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		if err := iter.Err(); err != nil {
			return removed, err
		}
		gcut := ms(now - c.longest(c.Global).Milliseconds())
		n, err := r.rdb.ZRemRangeByScore(ctx, r.globalKey(name), "-inf", gcut).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	r.log.Debug("rate limiter pruned", logx.Int("removed", removed))
	return removed, nil
}
