// Command meshcored runs one mesh node: the core instance of spec.md
// §6, wired to an in-process transport by default since spec.md §4.12
// leaves the concrete radio/overlay adapter outside this module's
// scope (contract only).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreadstar/meshcore/pkg/core"
	"github.com/dreadstar/meshcore/pkg/meshnet"
	"github.com/dreadstar/meshcore/pkg/pkcrypto"
	"github.com/dreadstar/meshcore/pkg/process"
	"github.com/dreadstar/meshcore/pkg/transport"
)

// defaultConfDir is the ${CONFDIR} substitution baked into every
// path-shaped flag default at Bind time below. --config-dir can still
// override where the node actually reads/writes, but (like the
// teacher's own cfgstruct.ConfDir callers) the substituted defaults
// are fixed once Bind runs.
const defaultConfDir = "config"

var (
	rootCmd = &cobra.Command{
		Use:   "meshcored",
		Short: "meshcored runs one node of the decentralized mesh storage and service network",
		RunE:  cmdRun,
	}

	cfg     core.Config
	confDir string
)

func init() {
	rootCmd.Flags().StringVar(&confDir, "config-dir", defaultConfDir, "directory for configuration and identity files")
	cfg.Bind(rootCmd.Flags(), defaultConfDir)
}

func cmdRun(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	priv, err := loadOrCreateIdentity(confDir)
	if err != nil {
		return err
	}

	id := nodeIDFromPrivateKey(priv)
	net := transport.NewMemoryNetwork()
	adapter := net.Join(id)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := core.New(ctx, log, cfg, adapter, priv)
	if err != nil {
		return err
	}

	log.Info("node starting", zap.String("nodeId", id.String()))
	runErr := c.Run(ctx)
	if shutdownErr := c.Shutdown(cancel); shutdownErr != nil && runErr == nil {
		runErr = shutdownErr
	}
	return runErr
}

// nodeIDFromPrivateKey derives a default transport address from the
// node's identity key, since meshnet.NodeID names a reachable address
// rather than a trust-bearing identity and this module ships no
// concrete discovery-of-address mechanism for a real transport.
func nodeIDFromPrivateKey(priv pkcrypto.PrivateKey) meshnet.NodeID {
	digest := pkcrypto.Hash([]byte(pkcrypto.PublicKeyFromPrivate(priv)))
	var id meshnet.NodeID
	copy(id[:], digest[:len(id)])
	return id
}

func main() {
	if err := process.Exec(rootCmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
