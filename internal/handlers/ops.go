package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"seedkeeper/internal/front"
	"seedkeeper/internal/storage"
	"seedkeeper/internal/worker"
)

func (h *set) status(ctx context.Context, req *worker.Request) error {
	svc := req.Services()
	lines := []string{h.info.Name + " status"}

	if n, err := svc.Queue.Len(ctx); err != nil {
		lines = append(lines, "queue: unavailable")
	} else {
		lines = append(lines, fmt.Sprintf("queue: %d waiting", n))
	}

	st, ok, err := front.ReadStatus(ctx, svc.Broker)
	switch {
	case err != nil:
		lines = append(lines, "front: unavailable")
	case !ok:
		lines = append(lines, "front: not reporting")
	default:
		lines = append(lines, fmt.Sprintf("front: %s, up %s, seen %s ago",
			st.Status, roundDur(time.Since(st.StartedAt)), roundDur(time.Since(st.UpdatedAt))))
	}

	regs, err := worker.ActiveWorkers(ctx, svc.Broker)
	if err != nil {
		lines = append(lines, "workers: unavailable")
	} else {
		lines = append(lines, fmt.Sprintf("workers: %d active", len(regs)))
		for _, r := range regs {
			lines = append(lines, fmt.Sprintf("- %s %s, %d processed, seen %s ago",
				r.WorkerID, r.Status, r.Processed, roundDur(time.Since(r.LastSeen))))
		}
	}
	lines = append(lines, fmt.Sprintf("answered by %s, process up %s", req.WorkerID, roundDur(time.Since(h.info.StartedAt))))
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *set) limits(ctx context.Context, req *worker.Request) error {
	lim := req.Limiter()
	if lim == nil {
		return req.Reply(ctx, "Rate limiting is off.")
	}
	if strings.EqualFold(req.Arg(0), "reset") {
		if !req.Privileged {
			return req.Reply(ctx, "Only admins can reset limits.")
		}
		user := req.Arg(1)
		if user == "" {
			return req.Reply(ctx, "Usage: "+h.prefix+"limits reset <user_id>")
		}
		err := lim.Reset(ctx, user)
		audit(ctx, req, "limits.reset", user, err == nil, "")
		if err != nil {
			return err
		}
		return req.Reply(ctx, "Limits reset for "+user+".")
	}

	user := req.Command.AuthorID
	if other := req.Arg(0); other != "" && other != user {
		if !req.Privileged {
			return req.Reply(ctx, "Only admins can see other people's limits.")
		}
		user = other
	}
	classes, err := lim.Status(ctx, user)
	if err != nil {
		return err
	}
	if len(classes) == 0 {
		return req.Reply(ctx, "No rate limits are configured.")
	}
	lines := []string{"Rate limits for " + user}
	for _, c := range classes {
		line := "- " + c.Class
		if c.CooldownLeft > 0 {
			line += fmt.Sprintf(" (cooldown %s)", roundDur(c.CooldownLeft))
		}
		var ws []string
		for _, w := range c.Windows {
			scope := ""
			if w.Global {
				scope = " global"
			}
			ws = append(ws, fmt.Sprintf("%d/%d per %s%s", w.Used, w.Limit, w.Span, scope))
		}
		if len(ws) > 0 {
			line += ": " + strings.Join(ws, ", ")
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *set) admin(ctx context.Context, req *worker.Request) error {
	sub, user := strings.ToLower(req.Arg(0)), req.Arg(1)
	switch sub {
	case "", "list":
		ids, err := req.Store().ListAdmins(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return req.Reply(ctx, "No stored admins. Owners are always admins.")
		}
		return req.Reply(ctx, "Admins: "+strings.Join(ids, ", "))
	case "add", "remove":
		if user == "" {
			return req.Reply(ctx, "Usage: "+h.prefix+"admin "+sub+" <user_id>")
		}
		err := req.Store().SetAdmin(ctx, user, sub == "add")
		audit(ctx, req, "admin."+sub, user, err == nil, "")
		switch {
		case errors.Is(err, storage.ErrDisabled):
			return req.Reply(ctx, "Storage is disabled, so admins cannot be changed.")
		case err != nil:
			return err
		case sub == "add":
			return req.Reply(ctx, user+" is now an admin.")
		default:
			return req.Reply(ctx, user+" is no longer an admin.")
		}
	default:
		return req.Reply(ctx, "Usage: "+h.prefix+"admin list | add <user_id> | remove <user_id>")
	}
}

func (h *set) reload(ctx context.Context, req *worker.Request) error {
	err := req.Registry().Rebuild()
	audit(ctx, req, "reload", "", err == nil, "")
	if err != nil {
		return req.Reply(ctx, "Reload failed: "+err.Error())
	}
	return req.Reply(ctx, fmt.Sprintf("Reloaded: %d commands.", len(req.Table().Routes())))
}

func roundDur(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d < time.Minute:
		return d.Round(time.Second)
	default:
		return d.Round(time.Minute)
	}
}
