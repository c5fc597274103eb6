// Package ratelimit is admission control for cost-bearing commands.
//
// Each command resolves to a class. A class may have a cooldown between two
// uses by the same user, per-user sliding windows ("at most N per span") and
// global windows shared by every user. Privileged callers bypass all of it
// when admin_bypass is on. A denial is not an error: Decision.Reason is meant
// to be shown to the user as is.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/config"
	"seedkeeper/internal/observability/metrics"
	logx "seedkeeper/pkg/logx"
)

// Result is the machine-readable outcome of a check.
type Result string

const (
	ResultAllowed  Result = "allowed"
	ResultBypass   Result = "bypass"
	ResultDisabled Result = "disabled"
	ResultCooldown Result = "cooldown"
	ResultWindow   Result = "window"
	ResultGlobal   Result = "global"
)

type Decision struct {
	Allowed    bool
	Result     Result
	Reason     string
	Class      string
	RetryAfter time.Duration
}

// WindowStatus is one window of one class as seen by one user.
type WindowStatus struct {
	Span      time.Duration `json:"span"`
	Limit     int           `json:"limit"`
	Used      int           `json:"used"`
	Remaining int           `json:"remaining"`
	Global    bool          `json:"global,omitempty"`
}

type ClassStatus struct {
	Class        string         `json:"class"`
	CooldownLeft time.Duration  `json:"cooldown_left,omitempty"`
	Windows      []WindowStatus `json:"windows"`
}

type Limiter interface {
	Check(ctx context.Context, userID, command string, privileged bool) (Decision, error)
	// Apply swaps the policy. Recorded usage is kept.
	Apply(cfg config.RateLimitConfig) error
	// Reset forgets everything recorded for userID.
	Reset(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) ([]ClassStatus, error)
	// Prune drops usage older than every configured window and reports how
	// many entries went.
	Prune(ctx context.Context) (int, error)
}

// Class is a compiled rate class.
type Class struct {
	Name     string
	Match    []string
	Cooldown time.Duration
	Windows  []config.Window
	Global   []config.Window
}

func (c *Class) longest(ws []config.Window) time.Duration {
	var d time.Duration
	for _, w := range ws {
		d = max(d, w.Span)
	}
	return d
}

func (c *Class) matches(command string) bool {
	for _, m := range c.Match {
		if pre, ok := strings.CutSuffix(m, "*"); ok {
			if strings.HasPrefix(command, pre) {
				return true
			}
		} else if m == command {
			return true
		}
	}
	return false
}

type policy struct {
	enabled      bool
	bypass       bool
	defaultClass string
	classes      map[string]*Class
	order        []string
}

func compile(cfg config.RateLimitConfig) (*policy, error) {
	p := &policy{
		enabled:      cfg.Enabled == nil || *cfg.Enabled,
		bypass:       cfg.AdminBypass == nil || *cfg.AdminBypass,
		defaultClass: cfg.DefaultClass,
		classes:      map[string]*Class{},
	}
	for name, cc := range cfg.Classes {
		path := "rate_limit.classes." + name
		cd, err := config.ParseDurationField(path+".cooldown", cc.Cooldown)
		if err != nil {
			return nil, err
		}
		ws, err := config.ParseWindows(path+".windows", cc.Windows)
		if err != nil {
			return nil, err
		}
		gs, err := config.ParseWindows(path+".global", cc.Global)
		if err != nil {
			return nil, err
		}
		p.classes[name] = &Class{Name: name, Match: cc.Match, Cooldown: cd, Windows: ws, Global: gs}
		p.order = append(p.order, name)
	}
	sort.Strings(p.order)
	return p, nil
}

// resolve maps a command to its class: an explicit match list wins, then a
// class named like the command, then the default class. nil means unlimited.
func (p *policy) resolve(command string) *Class {
	command = strings.ToLower(command)
	for _, name := range p.order {
		if c := p.classes[name]; c.matches(command) {
			return c
		}
	}
	if c, ok := p.classes[command]; ok {
		return c
	}
	return p.classes[p.defaultClass]
}

// precheck handles the outcomes that do not touch recorded usage.
func (p *policy) precheck(command string, privileged bool) (*Class, Decision, bool) {
	if !p.enabled {
		return nil, Decision{Allowed: true, Result: ResultDisabled}, true
	}
	c := p.resolve(command)
	if c == nil {
		return nil, Decision{Allowed: true, Result: ResultAllowed}, true
	}
	if privileged && p.bypass {
		return c, Decision{Allowed: true, Result: ResultBypass, Class: c.Name}, true
	}
	return c, Decision{}, false
}

func record(d Decision) Decision {
	class := d.Class
	if class == "" {
		class = "none"
	}
	metrics.RateDecisions.WithLabelValues(class, string(d.Result)).Inc()
	return d
}

func denyCooldown(c *Class, left time.Duration) Decision {
	secs := int(math.Ceil(left.Seconds()))
	return Decision{
		Result: ResultCooldown, Class: c.Name, RetryAfter: left,
		Reason: fmt.Sprintf("please wait %ds before using %s again", max(secs, 1), c.Name),
	}
}

func denyWindow(c *Class, w config.Window, retry time.Duration) Decision {
	return Decision{
		Result: ResultWindow, Class: c.Name, RetryAfter: retry,
		Reason: fmt.Sprintf("you've reached the limit of %d %s requests per %s", w.Limit, c.Name, spanWords(w.Span)),
	}
}

func denyGlobal(c *Class, retry time.Duration) Decision {
	return Decision{
		Result: ResultGlobal, Class: c.Name, RetryAfter: retry,
		Reason: fmt.Sprintf("%s is at capacity for everyone right now, try again later", c.Name),
	}
}

func spanWords(d time.Duration) string {
	switch d {
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	case 24 * time.Hour:
		return "day"
	case 7 * 24 * time.Hour:
		return "week"
	}
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%d days", d/(24*time.Hour))
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d hours", d/time.Hour)
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", d/time.Minute)
	}
	return d.String()
}

// New picks the limiter for cfg.Backend. "broker" on a redis broker shares
// windows across every worker; on the memory broker everything already runs
// in one process so the memory limiter is used.
func New(cfg config.RateLimitConfig, b broker.Broker, log logx.Logger) (Limiter, error) {
	if strings.EqualFold(cfg.Backend, "broker") {
		if rb, ok := b.(*broker.Redis); ok {
			return NewRedis(rb.Client(), rb.Prefix(), cfg, log)
		}
		log.Info("rate limiter using memory backend (broker is in-process)")
	}
	return NewMemory(cfg)
}
