package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"seedkeeper/internal/worker"
)

func (h *set) hello(ctx context.Context, req *worker.Request) error {
	name := req.Command.AuthorName
	if name == "" {
		name = "there"
	}
	return req.Reply(ctx, fmt.Sprintf("Hello %s! I'm %s. Try %shelp to see what I can do.", name, h.info.Name, h.prefix))
}

func (h *set) about(ctx context.Context, req *worker.Request) error {
	lines := []string{
		h.info.Name + " keeps a group's conversations easy to follow.",
		fmt.Sprintf("%scatchup summarizes what you missed and %sbirthday keeps track of birthdays.", h.prefix, h.prefix),
	}
	if h.info.Version != "" {
		lines = append(lines, "Version "+h.info.Version)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *set) ping(ctx context.Context, req *worker.Request) error {
	lag := time.Since(req.Command.CreatedAt).Round(time.Millisecond)
	if req.Command.CreatedAt.IsZero() || lag < 0 {
		lag = 0
	}
	return req.Reply(ctx, fmt.Sprintf("pong from %s (%s in queue)", req.WorkerID, lag))
}

// help lists the visible routes, or details one of them. Owner-only routes
// sort last.
func (h *set) help(ctx context.Context, req *worker.Request) error {
	t := req.Table()
	if name := strings.TrimPrefix(req.Arg(0), h.prefix); name != "" {
		r, ok := t.Lookup(name)
		if !ok || r.Hidden || t.Disabled(r.Name) {
			return req.Reply(ctx, fmt.Sprintf("Unknown command %q. Try %shelp.", name, h.prefix))
		}
		lines := []string{h.prefix + r.Name}
		if r.Description != "" {
			lines = append(lines, r.Description)
		}
		if r.OwnerOnly {
			lines = append(lines, "(owners only)")
		} else if r.Privileged {
			lines = append(lines, "(admins only)")
		}
		if r.Usage != "" {
			lines = append(lines, "", "Usage: "+h.prefix+r.Usage)
		}
		if as := t.AliasesOf(r.Name); len(as) > 0 {
			lines = append(lines, "Aliases: "+strings.Join(as, ", "))
		}
		return req.Reply(ctx, strings.Join(lines, "\n"))
	}

	var open, locked []string
	for _, r := range t.Routes() {
		line := "- " + h.prefix + r.Name
		if r.Description != "" {
			line += ": " + r.Description
		}
		if as := t.AliasesOf(r.Name); len(as) > 0 {
			line += " (also " + strings.Join(as, ", ") + ")"
		}
		if r.OwnerOnly || r.Privileged {
			if req.Privileged {
				locked = append(locked, line)
			}
			continue
		}
		open = append(open, line)
	}
	lines := append([]string{"Commands:"}, open...)
	if len(locked) > 0 {
		lines = append(lines, "", "Admin:")
		lines = append(lines, locked...)
	}
	lines = append(lines, "", fmt.Sprintf("Type %shelp <command> for details.", h.prefix))
	return req.Reply(ctx, strings.Join(lines, "\n"))
}
