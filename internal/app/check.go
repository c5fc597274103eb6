package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/config"
	"seedkeeper/internal/front"
	"seedkeeper/internal/handlers"
	"seedkeeper/internal/worker"
	logx "seedkeeper/pkg/logx"
)

// Report is what `seedkeeper check` prints.
type Report struct {
	Path     string
	Driver   string
	Commands []string
	Front    *front.Status
	Workers  []worker.Registration
}

// Check loads and validates the config at path, pings the broker and reads
// the liveness records the running processes published.
func Check(ctx context.Context, path string) (*Report, error) {
	cfgm := config.NewConfigManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	tbl, err := handlers.Build(cfg, handlers.Info{})
	if err != nil {
		return nil, err
	}
	rep := &Report{Path: path, Driver: cfg.Broker.Driver}
	for _, r := range tbl.Routes() {
		rep.Commands = append(rep.Commands, r.Name)
	}

	b, err := broker.Open(ctx, cfg.Broker, logx.Nop())
	if err != nil {
		return rep, err
	}
	defer func() { _ = b.Close() }()
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.Ping(pctx); err != nil {
		return rep, fmt.Errorf("broker ping: %w", err)
	}
	if rep.Workers, err = worker.ActiveWorkers(pctx, b); err != nil {
		return rep, err
	}
	if st, ok, err := front.ReadStatus(pctx, b); err != nil {
		return rep, err
	} else if ok {
		rep.Front = &st
	}
	return rep, nil
}

func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "config:   %s (ok)\n", r.Path)
	fmt.Fprintf(w, "broker:   %s\n", r.Driver)
	fmt.Fprintf(w, "commands: %s\n", strings.Join(r.Commands, ", "))
	if r.Front != nil {
		fmt.Fprintf(w, "front:    %s, queue %d, updated %s\n", r.Front.Status, r.Front.QueueLen, r.Front.UpdatedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "front:    not reporting")
	}
	fmt.Fprintf(w, "workers:  %d active\n", len(r.Workers))
	for _, reg := range r.Workers {
		fmt.Fprintf(w, "  - %s %s, %d processed\n", reg.WorkerID, reg.Status, reg.Processed)
	}
}
