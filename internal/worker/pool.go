package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	rtsup "seedkeeper/internal/runtime/supervisor"
	logx "seedkeeper/pkg/logx"
)

// Pool runs Options.Concurrency workers in one process, each under its own
// restartable supervisor loop.
type Pool struct {
	opts    Options
	log     logx.Logger
	workers []*Worker
}

func NewPool(opts Options, svc *Services, log logx.Logger) *Pool {
	opts = opts.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{opts: opts, log: log.With(logx.String("comp", "worker.pool"))}
	for i := 1; i <= opts.Concurrency; i++ {
		p.workers = append(p.workers, New(opts.ID+"-"+strconv.Itoa(i), opts, svc, log))
	}
	return p
}

func (p *Pool) Workers() []*Worker { return append([]*Worker(nil), p.workers...) }

// Run blocks until ctx ends and every worker has stopped.
func (p *Pool) Run(ctx context.Context) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))
	for _, w := range p.workers {
		sup.GoRestart("worker."+w.ID(), w.Run,
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}
	p.log.Info("worker pool started", logx.String("id", p.opts.ID), logx.Int("workers", len(p.workers)))

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), p.opts.PopTimeout+5*time.Second)
	defer cancel()
	var err error
	if werr := sup.Wait(stopCtx); errors.Is(werr, context.DeadlineExceeded) {
		p.log.Warn("workers still busy at shutdown", logx.Err(werr))
		err = werr
	}
	var total uint64
	for _, w := range p.workers {
		total += w.Processed()
	}
	p.log.Info("worker pool stopped", logx.Uint64("processed", total))
	return err
}
