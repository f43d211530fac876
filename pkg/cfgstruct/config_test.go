package cfgstruct_test

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreadstar/meshcore/pkg/cfgstruct"
)

// Config mirrors the module's own configuration surface, spec.md §6:
// one flag per named tunable, grouped the way the spec's component
// sections are grouped.
type Config struct {
	Storage struct {
		RootPath                string `default:""`
		TargetReplicationFactor int    `default:"3"`
		QuotaBytes              uint64 `default:"5368709120"`
	}
	Verifier struct {
		ClockSkewMs int64 `default:"60000"`
	}
	Discovery struct {
		TTLHops          int           `default:"4"`
		CollectWindowMs  int64         `default:"5000"`
	}
	Dispatch struct {
		MaxRetries int `default:"2"`
	}
	Replication struct {
		MaxInflightPerJob int           `default:"3"`
		BackoffBase       time.Duration `default:"2s"`
		BackoffCap        time.Duration `default:"5m"`
		MaxAttempts       int           `default:"4"`
	}
	Power struct {
		BatteryMinForCompute float64 `default:"0.3"`
		ThermalMaxForCompute string  `default:"warm"`
	}
	Role struct {
		DebounceMs int64 `default:"2000"`
	}
}

func TestBindConfigSurfaceDefaults(t *testing.T) {
	f := pflag.NewFlagSet("meshcored", pflag.ContinueOnError)
	var c Config
	cfgstruct.Bind(f, &c)

	assert.Equal(t, 3, c.Storage.TargetReplicationFactor)
	assert.Equal(t, uint64(5368709120), c.Storage.QuotaBytes)
	assert.Equal(t, int64(60000), c.Verifier.ClockSkewMs)
	assert.Equal(t, 4, c.Discovery.TTLHops)
	assert.Equal(t, 2*time.Second, c.Replication.BackoffBase)
	assert.Equal(t, 5*time.Minute, c.Replication.BackoffCap)
	assert.Equal(t, 0.3, c.Power.BatteryMinForCompute)

	require.NoError(t, f.Parse([]string{"--storage.target-replication-factor=5", "--dispatch.max-retries=1"}))
	assert.Equal(t, 5, c.Storage.TargetReplicationFactor)
	assert.Equal(t, 1, c.Dispatch.MaxRetries)
}

func TestBindConfigSurfaceConfDir(t *testing.T) {
	f := pflag.NewFlagSet("meshcored", pflag.ContinueOnError)
	var c struct {
		Storage struct {
			RootPath string `default:"$CONFDIR/drop"`
		}
	}
	cfgstruct.Bind(f, &c, cfgstruct.ConfDir("/etc/meshcored"))
	assert.Equal(t, "/etc/meshcored/drop", f.Lookup("storage.root-path").DefValue)
}
