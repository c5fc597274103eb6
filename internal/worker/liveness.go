package worker

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/observability/metrics"
	logx "seedkeeper/pkg/logx"
)

const (
	registrationPrefix = "worker:"

	StatusRunning  = "running"
	StatusStopping = "stopping"
)

// Registration is what a worker publishes about itself under worker:<id>.
// Nobody acts on a missing registration; it is for operators.
type Registration struct {
	WorkerID     string    `json:"worker_id"`
	Host         string    `json:"host,omitempty"`
	PID          int       `json:"pid"`
	Capabilities []string  `json:"capabilities"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	Processed    uint64    `json:"processed"`
}

func RegistrationKey(id string) string { return registrationPrefix + id }

func (w *Worker) heartbeat(ctx context.Context, status string) {
	host, _ := os.Hostname()
	reg := Registration{
		WorkerID:     w.id,
		Host:         host,
		PID:          os.Getpid(),
		Capabilities: w.opts.Capabilities,
		Status:       status,
		RegisteredAt: w.registeredAt,
		LastSeen:     time.Now().UTC(),
		Processed:    w.processed.Load(),
	}
	b, err := json.Marshal(reg)
	if err != nil {
		return
	}
	if err := w.svc.Broker.Set(ctx, RegistrationKey(w.id), b, w.opts.RegistrationTTL()); err != nil {
		if ctx.Err() == nil {
			metrics.Heartbeats.WithLabelValues("error").Inc()
			w.log.Warn("heartbeat failed", logx.Err(err))
		}
		return
	}
	w.lastBeat.Store(time.Now().UnixNano())
	metrics.Heartbeats.WithLabelValues("ok").Inc()
}

func (w *Worker) sinceBeat() time.Duration {
	return time.Since(time.Unix(0, w.lastBeat.Load()))
}

// renewWhileBusy keeps the registration alive while one command runs longer
// than the heartbeat interval. The returned func stops it and waits.
func (w *Worker) renewWhileBusy(ctx context.Context) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(w.opts.HeartbeatInterval())
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				w.heartbeat(ctx, StatusRunning)
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (w *Worker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.svc.Broker.Delete(ctx, RegistrationKey(w.id)); err != nil {
		w.log.Debug("deregister failed", logx.Err(err))
	}
}

// ActiveWorkers lists the registrations that have not expired, sorted by id.
func ActiveWorkers(ctx context.Context, b broker.Broker) ([]Registration, error) {
	keys, err := b.Keys(ctx, registrationPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Registration, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := b.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var r Registration
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
