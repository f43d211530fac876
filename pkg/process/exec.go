// Package process supplies the common process skeleton every
// meshcored component runs under: a single Main loop that wires a
// logger and a metrics registry into each registered Service before
// driving its cobra command, plus Exec/Bind/SaveConfig, the
// cfgstruct+viper+cobra glue spec.md §6 describes as "simultaneously
// a config-file key, an env var, and a CLI flag" for every tunable.
package process

import (
	"context"
	"flag"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

// ErrLogger is this package's error class.
var ErrLogger = errs.Class("process")

// envPrefix is the prefix Exec looks environment overrides up under,
// e.g. MESHCORE_STORAGE_ROOT_PATH for the storage.root-path flag.
const envPrefix = "MESHCORE"

// Service is a long-running meshcored component. Main wires a logger
// and metric registry into every Service before invoking Process.
type Service interface {
	InstanceID() string
	Process(ctx context.Context, cmd *cobra.Command, args []string) error
	SetLogger(*zap.Logger) error
	SetMetricHandler(*monkit.Registry) error
}

// Main runs prerun, then wires and drives each service in turn,
// returning the first error any stage produces.
func Main(prerun func() error, services ...Service) error {
	if prerun != nil {
		if err := prerun(); err != nil {
			return err
		}
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		return ErrLogger.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	for _, svc := range services {
		if err := svc.SetLogger(log); err != nil {
			return err
		}
		if err := svc.SetMetricHandler(monkit.Default); err != nil {
			return err
		}
	}

	cmd := &cobra.Command{Use: "meshcored"}
	ctx := context.Background()

	for _, svc := range services {
		if err := svc.Process(ctx, cmd, nil); err != nil {
			return err
		}
	}
	return nil
}

// Exec merges the stdlib flag package's flags onto cmd, lets any
// MESHCORE_-prefixed environment variable override a flag the caller
// didn't set explicitly, then runs cmd's RunE. It deliberately never
// calls cmd.Execute(), which would parse the running binary's own
// os.Args and make Exec untestable from within a test binary.
func Exec(cmd *cobra.Command) error {
	cmd.Flags().AddGoFlagSet(flag.CommandLine)

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return ErrLogger.Wrap(err)
	}

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		_ = f.Value.Set(v.GetString(f.Name))
	})

	if cmd.RunE == nil {
		return nil
	}
	return cmd.RunE(cmd, nil)
}
