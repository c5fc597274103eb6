package front

import (
	"context"
	"encoding/json"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/observability/metrics"
	logx "seedkeeper/pkg/logx"
)

const StatusKey = "front:status"

type Status struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	QueueLen  int64     `json:"queue_len"`
}

// RefreshStatus rewrites the front status key. It expires after three
// missed refreshes, so a dead front disappears on its own.
func (f *Front) RefreshStatus(ctx context.Context) error {
	return f.writeStatus(ctx, "running")
}

func (f *Front) StatusEvery() time.Duration { return f.opts.StatusEvery }

func (f *Front) writeStatus(ctx context.Context, state string) error {
	n, err := f.d.Queue.Len(ctx)
	if err != nil {
		f.log.Debug("queue length unavailable", logx.Err(err))
	}
	metrics.QueueDepth.Set(float64(n))
	st := Status{Status: state, StartedAt: f.startedAt.UTC(), UpdatedAt: time.Now().UTC(), QueueLen: n}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := f.d.Broker.Set(ctx, StatusKey, b, 3*f.opts.StatusEvery); err != nil {
		f.log.Warn("front status not written", logx.Err(err))
		return err
	}
	return nil
}

// ReadStatus returns the last status a front wrote. ok is false when no
// front has refreshed it recently.
func ReadStatus(ctx context.Context, b broker.Broker) (Status, bool, error) {
	raw, ok, err := b.Get(ctx, StatusKey)
	if err != nil || !ok {
		return Status{}, false, err
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Status{}, false, err
	}
	return st, true, nil
}
