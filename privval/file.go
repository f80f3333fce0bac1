package privval

import (
	"fmt"
	"io/ioutil"

	"hotstuff_demo/crypto/bls"
	"hotstuff_demo/crypto/threshold"
	"hotstuff_demo/types"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"
)

//-------------------------------------------------------------------------------

// FilePVKey stores the immutable part of PrivValidator.
type FilePVKey struct {
	Address types.Address  `json:"address"`
	PubKey  crypto.PubKey  `json:"pub_key"`
	PrivKey crypto.PrivKey `json:"priv_key"`

	filePath string
}

// Save persists the FilePVKey to its filePath.
func (pvKey FilePVKey) Save() {
	outFile := pvKey.filePath
	if outFile == "" {
		panic("cannot save PrivValidator key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		panic(err)
	}
	err = tempfile.WriteFileAtomic(outFile, jsonBytes, 0600)
	if err != nil {
		panic(err)
	}
}

//-------------------------------------------------------------------------------

// FilePV implements PrivValidator using data persisted to disk.
// 私钥是门限主密钥派生的份额，SignVote产出的就是可聚合的PartCert
type FilePV struct {
	Key FilePVKey
}

var _ types.PrivValidator = (*FilePV)(nil)

// NewFilePV generates a new validator from the given key and paths.
func NewFilePV(privKey crypto.PrivKey, keyFilePath string) *FilePV {
	return &FilePV{
		Key: FilePVKey{
			Address: types.Address(privKey.PubKey().Address()),
			PubKey:  privKey.PubKey(),
			PrivKey: privKey,

			filePath: keyFilePath,
		},
	}
}

// GenFilePVWithSeedAndIdx 从集群主私钥派生第idx个节点的私钥份额
func GenFilePVWithSeedAndIdx(keyFilePath string, thresholdVal int, idx, seed int64) *FilePV {
	// 集群主私钥
	primary := bls.GenPrivKeyWithSeed(seed)

	// 根据主私钥生成的随机多项式 用来生成节点的私钥
	poly := threshold.Master(primary, thresholdVal, seed)

	// 节点自己的私钥
	priv, err := poly.GetValue(idx)
	if err != nil {
		panic(err)
	}
	return NewFilePV(priv, keyFilePath)
}

// GenFilePV generates a new validator with randomly generated private key
// and sets the filePaths, but does not call Save().
func GenFilePV(keyFilePath string) *FilePV {
	return NewFilePV(bls.GenPrivKey(), keyFilePath)
}

// LoadFilePV loads a FilePV from the filePaths. If the file path
// does not exist, the program will exit.
func LoadFilePV(keyFilePath string) *FilePV {
	keyJSONBytes, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		tmos.Exit(err.Error())
	}
	pvKey := FilePVKey{}
	err = tmjson.Unmarshal(keyJSONBytes, &pvKey)
	if err != nil {
		tmos.Exit(fmt.Sprintf("Error reading PrivValidator key from %v: %v\n", keyFilePath, err))
	}

	// overwrite pubkey and address for convenience
	pvKey.PubKey = pvKey.PrivKey.PubKey()
	pvKey.Address = types.Address(pvKey.PubKey.Address())
	pvKey.filePath = keyFilePath

	return &FilePV{
		Key: pvKey,
	}
}

// LoadOrGenFilePV loads a FilePV from the given filePath
// or else generates a new one and saves it to the filePath.
func LoadOrGenFilePV(keyFilePath string) *FilePV {
	var pv *FilePV
	if tmos.FileExists(keyFilePath) {
		pv = LoadFilePV(keyFilePath)
	} else {
		pv = GenFilePV(keyFilePath)
		pv.Save()
	}
	return pv
}

// GetAddress returns the address of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetAddress() types.Address {
	return pv.Key.Address
}

// GetPubKey returns the public key of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetPubKey() (crypto.PubKey, error) {
	return pv.Key.PubKey, nil
}

// SignVote 为投票生成PartCert
// 份额签名只针对区块hash - 聚合要求所有节点对同一消息签名，
// chainID的隔离由提案签名保证
func (pv *FilePV) SignVote(chainID string, vote *types.Vote) error {
	cert, err := pv.Key.PrivKey.Sign(vote.BlkHash)
	if err != nil {
		return fmt.Errorf("error signing vote: %w", err)
	}
	vote.Cert = cert
	return nil
}

// SignProposal signs a canonical representation of the proposal, along with
// the chainID. Implements PrivValidator.
func (pv *FilePV) SignProposal(chainID string, proposal *types.Proposal) error {
	sig, err := pv.Key.PrivKey.Sign(types.ProposalSignBytes(chainID, proposal))
	if err != nil {
		return fmt.Errorf("error signing proposal: %w", err)
	}
	proposal.Signature = sig
	return nil
}

// Save persists the FilePV to disk.
func (pv *FilePV) Save() {
	pv.Key.Save()
}

// String returns a string representation of the FilePV.
func (pv *FilePV) String() string {
	return fmt.Sprintf("PrivValidator{%v}", pv.GetAddress())
}
