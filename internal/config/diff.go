package config

import (
	"encoding/json"
	"reflect"

	logx "seedkeeper/pkg/logx"
)

// Sections that only take effect after a restart. Everything else is
// applied by the running process.
var restartSections = map[string]bool{
	"platform.token": true,
	"broker":         true,
	"front":          true,
	"session":        true,
	"storage":        true,
	"llm":            true,
}

// SummarizeConfigChange lists changed sections and returns safe log fields
// describing them. Secrets (tokens, passwords, api keys) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	mark := func(name string, f ...logx.Field) {
		changed = append(changed, name)
		fields = append(fields, f...)
	}

	if oldCfg.Platform.Token != newCfg.Platform.Token {
		mark("platform.token")
	}
	op, np := oldCfg.Platform, newCfg.Platform
	op.Token, np.Token = "", ""
	if !reflect.DeepEqual(op, np) {
		mark("platform",
			logx.Int("platform.owner_count", len(np.OwnerUserIDs)),
			logx.Bool("platform.group_log_set", np.GroupLog != ""))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled))
	}
	ob, nb := oldCfg.Broker, newCfg.Broker
	ob.Password, nb.Password = "", ""
	if !reflect.DeepEqual(ob, nb) || oldCfg.Broker.Password != newCfg.Broker.Password {
		mark("broker", logx.String("broker.driver", nb.Driver), logx.String("broker.addr", nb.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Front, newCfg.Front) {
		mark("front")
	}
	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		mark("worker", logx.Strings("worker.disabled_commands", newCfg.Worker.DisabledCommands))
	}
	if !reflect.DeepEqual(oldCfg.Commands, newCfg.Commands) {
		mark("commands", logx.Int("commands.alias_count", len(newCfg.Commands.Aliases)))
	}
	if !equalJSON(oldCfg.RateLimit, newCfg.RateLimit) {
		mark("rate_limit", logx.Int("rate_limit.class_count", len(newCfg.RateLimit.Classes)))
	}
	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		mark("session")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	ol, nl := oldCfg.LLM, newCfg.LLM
	ol.APIKey, nl.APIKey = "", ""
	if !reflect.DeepEqual(ol, nl) || oldCfg.LLM.APIKey != newCfg.LLM.APIKey {
		mark("llm", logx.Bool("llm.enabled", nl.Enabled), logx.String("llm.model", nl.Model))
	}
	oo, no := oldCfg.Ops, newCfg.Ops
	oo.Token, no.Token = "", ""
	if !reflect.DeepEqual(oo, no) || oldCfg.Ops.Token != newCfg.Ops.Token {
		mark("ops", logx.Bool("ops.enabled", no.Enabled), logx.String("ops.addr", no.Addr))
	}
	return changed, fields
}

// NeedsRestart reports which of the changed sections cannot be applied live.
func NeedsRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// equalJSON compares through JSON so pointer fields compare by value.
func equalJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
