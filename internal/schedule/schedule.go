// Package schedule runs the process's periodic housekeeping on top of
// robfig/cron.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"seedkeeper/internal/observability/metrics"
	logx "seedkeeper/pkg/logx"
)

// Job is one named periodic task. Timeout bounds a single run; zero means
// the interval.
type Job struct {
	Name    string
	Every   time.Duration
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Scheduler struct {
	mu   sync.Mutex
	log  logx.Logger
	jobs map[string]Job

	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{log: log.With(logx.String("comp", "schedule")), jobs: map[string]Job{}}
}

// Add registers j. Jobs added after Start are scheduled immediately.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("schedule: job needs a name and a func")
	}
	if j.Every < time.Second {
		return fmt.Errorf("schedule: job %s: interval %s is below one second", j.Name, j.Every)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("schedule: duplicate job %s", j.Name)
	}
	s.jobs[j.Name] = j
	if s.c != nil {
		s.scheduleLocked(j)
	}
	return nil
}

// Jobs lists the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	cl := cronLogger{s.log}
	s.c = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	for _, j := range s.jobs {
		s.scheduleLocked(j)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.jobs)))
}

func (s *Scheduler) scheduleLocked(j Job) {
	ctx := s.ctx
	s.c.Schedule(cron.Every(j.Every), cron.FuncJob(func() { s.run(ctx, j) }))
}

// Stop cancels running jobs and waits for them until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	cancel()
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler jobs still running at shutdown")
		return ctx.Err()
	}
}

// RunNow runs the named job once in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule: unknown job %s", name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j Job) (err error) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Every
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panic: %v", j.Name, r)
			metrics.JobRuns.WithLabelValues(j.Name, "panic").Inc()
			s.log.Error("job panic", logx.String("job", j.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	err = j.Run(ctx)
	switch {
	case err != nil:
		metrics.JobRuns.WithLabelValues(j.Name, "error").Inc()
		s.log.Warn("job failed", logx.String("job", j.Name), logx.Duration("dur", time.Since(start)), logx.Err(err))
	default:
		metrics.JobRuns.WithLabelValues(j.Name, "ok").Inc()
		s.log.Debug("job done", logx.String("job", j.Name), logx.Duration("dur", time.Since(start)))
	}
	return err
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
