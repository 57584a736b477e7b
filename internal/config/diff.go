package config

import (
	"reflect"
	"sort"
	"strings"

	"factbot/pkg/logx"
)

// liveSections can be applied without a restart.
var liveSections = map[string]bool{"logging": true}

// SummarizeChange lists changed top-level sections and safe log fields
// describing them. Secrets are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
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
	mark := func(name string, differ bool, extra ...logx.Field) {
		if differ {
			changed = append(changed, name)
			fields = append(fields, extra...)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	ot.Token, nt.Token = "", ""
	mark("telegram", ot != nt || secretChanged(oldCfg.Telegram.Token, newCfg.Telegram.Token),
		logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		logx.Int("telegram.max_message_len", nt.MaxMessageLen))

	mark("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.operator", newCfg.Logging.Operator.Enabled))

	mark("pool", oldCfg.Pool != newCfg.Pool,
		logx.String("pool.source", newCfg.Pool.Source),
		logx.String("pool.format", newCfg.Pool.Format))

	or, nr := oldCfg.Rewriter, newCfg.Rewriter
	or.APIKey, nr.APIKey = "", ""
	mark("rewriter", !reflect.DeepEqual(or, nr) || secretChanged(oldCfg.Rewriter.APIKey, newCfg.Rewriter.APIKey),
		logx.String("rewriter.provider", nr.Provider),
		logx.String("rewriter.model", nr.Model),
		logx.Bool("rewriter.api_key_set", newCfg.Rewriter.APIKey != ""))

	ost, nst := oldCfg.Storage, newCfg.Storage
	ost.DSN, nst.DSN = "", ""
	ost.Redis.Password, nst.Redis.Password = "", ""
	mark("storage", ost != nst || secretChanged(oldCfg.Storage.DSN, newCfg.Storage.DSN) ||
		secretChanged(oldCfg.Storage.Redis.Password, newCfg.Storage.Redis.Password),
		logx.String("storage.driver", nst.Driver))

	mark("scheduler", !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler),
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.Int("scheduler.slots", len(newCfg.Scheduler.Slots)))

	mark("task_engine", oldCfg.TaskEngine != newCfg.TaskEngine,
		logx.Int("task_engine.workers", newCfg.TaskEngine.Workers))

	oo, no := oldCfg.Ops, newCfg.Ops
	oo.Token, no.Token = "", ""
	mark("ops", oo != no || secretChanged(oldCfg.Ops.Token, newCfg.Ops.Token),
		logx.Bool("ops.enabled", no.Enabled),
		logx.String("ops.addr", strings.TrimSpace(no.Addr)))

	sort.Strings(changed)
	return changed, fields
}

// RestartRequired filters changed down to sections that only take effect
// after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		if !liveSections[c] {
			out = append(out, c)
		}
	}
	return out
}

func secretChanged(a, b string) bool { return a != b }
