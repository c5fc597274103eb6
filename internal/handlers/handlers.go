// Package handlers holds the commands the bot answers. Build turns the
// current config into a worker.Table; calling it again after a reload and
// swapping the result into the registry changes routing without a restart.
package handlers

import (
	"errors"
	"time"

	"seedkeeper/internal/config"
	"seedkeeper/internal/worker"
)

// Info describes the running process for hello, about and status.
type Info struct {
	Name      string
	Version   string
	StartedAt time.Time
}

// Build returns a fresh table for cfg.
func Build(cfg *config.Config, info Info) (*worker.Table, error) {
	if cfg == nil {
		return nil, errors.New("handlers: nil config")
	}
	if info.Name == "" {
		info.Name = "Seedkeeper"
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	prefix := "!"
	if ps := cfg.Front.CommandPrefixes; len(ps) > 0 && ps[0] != "" {
		prefix = ps[0]
	}
	h := &set{info: info, prefix: prefix}

	t := worker.NewTable(h.routes(), cfg.Commands.Aliases, cfg.Worker.DisabledCommands)
	t.Message = &worker.Route{Name: "conversation", Handler: h.conversation, Timeout: 90 * time.Second}
	t.Reaction = &worker.Route{Name: "reaction", Handler: h.reaction}
	return t, nil
}

type set struct {
	info   Info
	prefix string
}

func (h *set) routes() []worker.Route {
	return []worker.Route{
		{
			Name:        "hello",
			Description: "say hello",
			Usage:       "hello",
			RateClass:   "general",
			Handler:     h.hello,
		},
		{
			Name:        "about",
			Description: "what this bot is",
			Usage:       "about",
			RateClass:   "general",
			Handler:     h.about,
		},
		{
			Name:        "ping",
			Description: "check that a worker is answering",
			Usage:       "ping",
			RateClass:   "general",
			Handler:     h.ping,
		},
		{
			Name:        "help",
			Description: "list commands or describe one",
			Usage:       "help [command]",
			Handler:     h.help,
		},
		{
			Name:        "catchup",
			Description: "summarize what was said after a message",
			Usage:       "catchup <message_id|link> [focus]",
			RateClass:   "catchup",
			Handler:     h.catchup,
		},
		{
			Name:        "birthday",
			Description: "import, match and list birthdays",
			Usage:       "birthday list | import <name MM-DD; ...> | match | confirm | cancel | set <user_id> <date>",
			RateClass:   "birthday",
			Handler:     h.birthday,
		},
		{
			Name:        "status",
			Description: "queue, workers and front health",
			Usage:       "status",
			Handler:     h.status,
		},
		{
			Name:        "limits",
			Description: "show or reset rate limit usage",
			Usage:       "limits [user_id] | limits reset <user_id>",
			Handler:     h.limits,
		},
		{
			Name:        "admin",
			Description: "manage bot admins",
			Usage:       "admin list | add <user_id> | remove <user_id>",
			OwnerOnly:   true,
			Handler:     h.admin,
		},
		{
			Name:        "reload",
			Description: "rebuild the command table",
			Usage:       "reload",
			Privileged:  true,
			Handler:     h.reload,
		},
	}
}
