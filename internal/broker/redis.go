package broker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	logx "seedkeeper/pkg/logx"
)

type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// Redis maps the broker onto one redis database: lists for queues, pub/sub
// for channels and plain string keys with EX for the keyed store. Every name
// is prefixed with KeyPrefix.
type Redis struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func NewRedis(opts RedisOptions, log logx.Logger) *Redis {
	return NewRedisFromClient(redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	}), opts.KeyPrefix, log)
}

func NewRedisFromClient(rdb *redis.Client, prefix string, log logx.Logger) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, log: log.With(logx.String("comp", "broker.redis"))}
}

// Client exposes the connection for components that run their own scripts.
func (r *Redis) Client() *redis.Client { return r.rdb }

// Prefix is prepended to every key this broker touches.
func (r *Redis) Prefix() string { return r.prefix }

func (r *Redis) Driver() string { return "redis" }

func (r *Redis) k(name string) string { return r.prefix + name }

func (r *Redis) Push(ctx context.Context, list string, payload []byte) error {
	return mapErr(r.rdb.RPush(ctx, r.k(list), payload).Err())
}

func (r *Redis) PopBlocking(ctx context.Context, list string, timeout time.Duration) ([]byte, bool, error) {
	// BLPOP 0 blocks forever and redis rounds anything below a second up.
	timeout = max(timeout, time.Second)
	res, err := r.rdb.BLPop(ctx, timeout, r.k(list)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, mapErr(err)
	}
	if len(res) != 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}

func (r *Redis) Len(ctx context.Context, list string) (int64, error) {
	n, err := r.rdb.LLen(ctx, r.k(list)).Result()
	return n, mapErr(err)
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := r.rdb.Publish(ctx, r.k(channel), payload).Result()
	return n, mapErr(err)
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, r.k(channel))
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, mapErr(err)
	}
	s := &redisSub{ps: ps, out: make(chan []byte, 64)}
	src := ps.Channel()
	go func() {
		defer close(s.out)
		for {
			select {
			case <-ctx.Done():
				_ = s.Close()
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case s.out <- []byte(msg.Payload):
				case <-ctx.Done():
					_ = s.Close()
					return
				}
			}
		}
	}()
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan []byte
	once sync.Once
	err  error
}

func (s *redisSub) Messages() <-chan []byte { return s.out }

func (s *redisSub) Close() error {
	s.once.Do(func() { s.err = s.ps.Close() })
	return s.err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return mapErr(r.rdb.Set(ctx, r.k(key), value, ttl).Err())
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err)
	}
	return b, true, nil
}

func (r *Redis) Take(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.GetDel(ctx, r.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err)
	}
	return b, true, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return mapErr(r.rdb.Del(ctx, r.k(key)).Err())
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.rdb.Scan(ctx, 0, globEscape(r.k(prefix))+"*", 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, mapErr(err)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return mapErr(r.rdb.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	err := r.rdb.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func mapErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return err
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
