package commands

import (
	"fmt"
	"time"

	"hotstuff_demo/crypto/bls"
	"hotstuff_demo/crypto/threshold"
	"hotstuff_demo/types"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
)

var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate a genesis file for the cluster",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chainID", "test-chain", "链名，不指定则使用test-chain")

	GenGenesisCmd.Flags().Int64Var(&seed, "seed", 1, "用来生成集群密钥的种子")
	GenGenesisCmd.MarkFlagRequired("seed")
	GenGenesisCmd.Flags().IntVar(&thres, "thres", 3, "门限签名阈值数")
	GenGenesisCmd.MarkFlagRequired("thres")
	GenGenesisCmd.Flags().IntVar(&clusterCount, "cluster-count", 4, "集群的节点总数")
	GenGenesisCmd.MarkFlagRequired("cluster-count")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	if thres != 2*((clusterCount-1)/2)+1 {
		return fmt.Errorf("thres必须是2f+1: %v个节点应该是%v", clusterCount, 2*((clusterCount-1)/2)+1)
	}

	primaryPriv := bls.GenPrivKeyWithSeed(seed)
	primaryPub := primaryPriv.PubKey()
	poly := threshold.Master(primaryPriv, thres, seed)

	// 为每一个验证者生成公钥
	valList := make([]types.GenesisValidator, clusterCount)
	for id := 0; id < clusterCount; id++ {
		priv, err := poly.GetValue(int64(id))
		if err != nil {
			logger.Error(fmt.Sprintf("生成第%v个验证者的公钥失败", id), "err", err)
			return err
		}
		pub := priv.PubKey()

		valList[id] = types.GenesisValidator{
			Address: types.Address(pub.Address()),
			PubKey:  pub,
			Name:    fmt.Sprintf("validator-%v", id),
		}
	}

	genDoc := types.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: time.Now(),
		Threshold:   thres,
		Validators:  valList,
		MasterValidator: types.GenesisValidator{
			Address: types.Address(primaryPub.Address()),
			PubKey:  primaryPub,
			Name:    "cluster-primary",
		},
	}

	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile)

	return nil
}
