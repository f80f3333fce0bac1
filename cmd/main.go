package main

import (
	"fmt"
	"os"
	"path/filepath"

	cmd "hotstuff_demo/cmd/commands"
	nm "hotstuff_demo/node"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/cli"
)

func main() {
	cfg.DefaultTendermintDir = ".hotstuff_demo"
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cli.NewCompletionCmd(rootCmd, true),
	)

	nodeFunc := nm.DefaultNewNode

	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.GenNodeKeyCmd,
		cmd.ShowNodeIDCmd,
		cmd.GenValidatorCmd,
		cmd.GenGenesisCmd,
		cmd.NewRunNodeCmd(nodeFunc),
	)

	baseCmd := cli.PrepareBaseCmd(rootCmd, "HS", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultTendermintDir)))

	if err := baseCmd.Execute(); err != nil {
		fmt.Println("error")
		panic(err)
	}
}
