package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "seedkeeper/pkg/logx"
)

// ErrPanic wraps a recovered handler panic.
var ErrPanic = errors.New("handler panic")

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Log.IsZero() {
						logger = req.Log
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("%w: %v", ErrPanic, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Log.IsZero() {
				logger = req.Log
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("kind", string(req.Command.Kind)),
				logx.String("channel_id", req.Command.ChannelID),
				logx.String("author_id", req.Command.AuthorID),
				logx.String("cmd", req.Name),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case req.denied != "":
				logger.Debug("request denied", append(fields, logx.String("result", req.denied))...)
			case d >= 750*time.Millisecond:
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWAccess enforces route privilege. Refusals are answered in chat and are
// not errors.
func MWAccess(r Route) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			switch {
			case r.OwnerOnly && !req.Owner:
				req.denied = "owner_only"
			case r.Privileged && !req.Privileged:
				req.denied = "privileged"
			default:
				return next(ctx, req)
			}
			return req.Reply(ctx, "you are not allowed to use that command")
		}
	}
}

// MWRateLimit checks the route's rate class before the handler runs. A
// denial sends the limiter's reason and stops the chain. A limiter error
// lets the request through.
func MWRateLimit(r Route) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if r.RateClass == "" || req.svc.Limiter == nil {
				return next(ctx, req)
			}
			d, err := req.svc.Limiter.Check(ctx, req.Command.AuthorID, r.RateClass, req.Privileged)
			if err != nil {
				req.Log.Warn("rate limit check failed", logx.String("class", r.RateClass), logx.Err(err))
				return next(ctx, req)
			}
			if d.Allowed {
				return next(ctx, req)
			}
			req.denied = string(d.Result)
			return req.Reply(ctx, d.Reason)
		}
	}
}
