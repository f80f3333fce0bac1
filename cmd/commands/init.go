package commands

import (
	"fmt"
	"time"

	"hotstuff_demo/crypto/bls"
	"hotstuff_demo/crypto/threshold"
	"hotstuff_demo/privval"
	"hotstuff_demo/types"

	"github.com/spf13/cobra"
	cfg "github.com/tendermint/tendermint/config"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/p2p"
)

// InitFilesCmd initialises a fresh node instance.
// 生成本节点的私钥份额、node key和集群共用的genesis文件
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a hotstuff_demo node",
	RunE:  initFiles,
}

func init() {
	InitFilesCmd.Flags().StringVar(&chainID, "chainID", "test-chain", "链名")
	InitFilesCmd.Flags().Int64Var(&seed, "seed", 1, "用来生成集群密钥的种子")
	InitFilesCmd.MarkFlagRequired("seed")
	InitFilesCmd.Flags().IntVar(&thres, "thres", 3, "门限签名阈值数")
	InitFilesCmd.MarkFlagRequired("thres")
	InitFilesCmd.Flags().Int64Var(&idx, "idx", 0, "本节点在集群里的编号")
	InitFilesCmd.MarkFlagRequired("idx")
	InitFilesCmd.Flags().IntVar(&clusterCount, "cluster-count", 4, "集群的节点总数")
	InitFilesCmd.MarkFlagRequired("cluster-count")
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	// private validator
	privValKeyFile := config.PrivValidatorKeyFile()

	var pv *privval.FilePV
	if tmos.FileExists(privValKeyFile) {
		pv = privval.LoadFilePV(privValKeyFile)
		logger.Info("Found private validator", "keyFile", privValKeyFile)
	} else {
		pv = privval.GenFilePVWithSeedAndIdx(privValKeyFile, thres, idx, seed)
		pv.Save()
		logger.Info("Generated private validator", "keyFile", privValKeyFile)
	}

	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		logger.Info("Found node key", "path", nodeKeyFile)
	} else {
		if _, err := p2p.LoadOrGenNodeKey(nodeKeyFile); err != nil {
			return err
		}
		logger.Info("Generated node key", "path", nodeKeyFile)
	}

	// genesis file - 集群所有节点从同一个seed还原同一组份额公钥
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	primaryPriv := bls.GenPrivKeyWithSeed(seed)
	poly := threshold.Master(primaryPriv, thres, seed)

	valList := make([]types.GenesisValidator, clusterCount)
	for id := 0; id < clusterCount; id++ {
		priv, err := poly.GetValue(int64(id))
		if err != nil {
			return fmt.Errorf("生成第%v个验证者的公钥失败: %w", id, err)
		}
		pub := priv.PubKey()
		valList[id] = types.GenesisValidator{
			Address: types.Address(pub.Address()),
			PubKey:  pub,
			Name:    fmt.Sprintf("validator-%v", id),
		}
	}

	primaryPub := primaryPriv.PubKey()
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
