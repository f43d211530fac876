// Package core wires every component of spec.md §4 into the single
// "core instance" spec.md §6 describes: one configuration, one
// transport adapter handle, idempotent init, one clean shutdown path.
// Nothing outside this package reaches for a global singleton, per
// spec.md §9's redesign note.
package core

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/dreadstar/meshcore/pkg/cfgstruct"
)

// Config is the configuration surface of spec.md §6: every recognised
// option, one field per tunable, grouped the way the spec's component
// sections are grouped so Bind produces matching flag names (e.g.
// --storage.target-replication-factor).
type Config struct {
	Storage struct {
		RootPath                string `default:"${CONFDIR}/drop"`
		TargetReplicationFactor int    `default:"3"`
		QuotaBytes              uint64 `default:"5368709120"`
	}
	Trust struct {
		DBPath string `default:"${CONFDIR}/trust/trust.db"`
	}
	Verifier struct {
		ClockSkewMs     int64 `default:"60000"`
		ReplayCacheSize int   `default:"10000"`
	}
	Discovery struct {
		TTLHops         int   `default:"4"`
		CollectWindowMs int64 `default:"5000"`
	}
	Dispatch struct {
		MaxRetries int `default:"2"`
	}
	Replication struct {
		MaxInflightPerJob int   `default:"3"`
		BackoffBaseMs     int64 `default:"2000"`
		BackoffCapMs      int64 `default:"300000"`
		MaxAttempts       int   `default:"4"`
		SweepIntervalMs   int64 `default:"30000"`
	}
	Power struct {
		BatteryMinForCompute float64 `default:"30"`
		ThermalMaxForCompute string  `default:"warm"`
	}
	Role struct {
		DebounceMs         int64 `default:"2000"`
		DemotionGraceMs    int64 `default:"30000"`
	}
	Resources struct {
		TokenCacheEntriesMax   int `default:"10000"`
		InflightUploadsMax     int `default:"8"`
		BroadcastRatePerMinMax int `default:"30"`
		PeerRecordsMax         int `default:"2048"`
	}
	Scheduler struct {
		IOWorkers      int   `default:"8"`
		GraceTimeoutMs int64 `default:"10000"`
	}
}

// Bind registers every field of cfg as a flag on f, substituting
// confDir for ${CONFDIR} in path-shaped defaults, matching the
// teacher's cfgstruct+process convention (spec.md §6).
func (cfg *Config) Bind(f *pflag.FlagSet, confDir string) {
	cfgstruct.Bind(f, cfg, cfgstruct.ConfDir(confDir))
}

func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
