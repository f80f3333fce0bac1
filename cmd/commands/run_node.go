package commands

import (
	"fmt"

	nm "hotstuff_demo/node"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
)

// NewRunNodeCmd returns the command that allows the CLI to start a node.
func NewRunNodeCmd(nodeProvider nm.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the hotstuff_demo node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := nodeProvider(config, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}
			logger.Info("Started node", "nodeInfo", n.NodeInfo())

			// Stop upon receiving SIGTERM or CTRL-C.
			tmos.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
			})

			// Run forever.
			select {}
		},
	}

	cmd.Flags().String("p2p.laddr", config.P2P.ListenAddress, "node listen address")
	cmd.Flags().String("p2p.persistent_peers", "", "comma-delimited ID@host:port persistent peers")
	cmd.Flags().String("rpc.laddr", config.RPC.ListenAddress, "RPC listen address")
	return cmd
}
