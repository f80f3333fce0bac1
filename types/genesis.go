package types

import (
	"errors"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// GenesisValidator - genesis文件里的验证者条目
type GenesisValidator struct {
	Address Address       `json:"address"`
	PubKey  crypto.PubKey `json:"pub_key"`
	Name    string        `json:"name"`
}

// GenesisDoc - 集群的初始配置
// 所有节点的公钥份额由同一个门限主密钥派生，MasterValidator保存主公钥，
// 聚合签名用它验证
type GenesisDoc struct {
	ChainID         string             `json:"chain_id"`
	GenesisTime     time.Time          `json:"genesis_time"`
	Threshold       int                `json:"threshold"`
	Validators      []GenesisValidator `json:"validators"`
	MasterValidator GenesisValidator   `json:"master_validator"`
}

// ValidatorSet 根据genesis条目重建验证者集合
func (genDoc *GenesisDoc) ValidatorSet() *ValidatorSet {
	valz := make([]*Validator, len(genDoc.Validators))
	for i, v := range genDoc.Validators {
		valz[i] = NewValidator(v.PubKey)
	}
	return NewValidatorSet(valz)
}

func (genDoc *GenesisDoc) MasterPubKey() crypto.PubKey {
	return genDoc.MasterValidator.PubKey
}

func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include non-empty chain_id")
	}
	if len(genDoc.Validators) == 0 {
		return errors.New("genesis doc has no validators")
	}
	if genDoc.MasterValidator.PubKey == nil {
		return errors.New("genesis doc has no master public key")
	}
	if genDoc.Threshold != 2*((len(genDoc.Validators)-1)/2)+1 {
		return fmt.Errorf("threshold %v does not match 2f+1 for %v validators",
			genDoc.Threshold, len(genDoc.Validators))
	}
	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = time.Now()
	}
	return nil
}

// SaveAs is a utility method for saving GenesisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := tmjson.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(file, genDocBytes, 0644)
}

// GenesisDocFromJSON unmarshalls JSON data into a GenesisDoc.
func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	err := tmjson.Unmarshal(jsonBlob, &genDoc)
	if err != nil {
		return nil, err
	}

	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}

	return &genDoc, err
}

// GenesisDocFromFile reads JSON data from a file and unmarshalls it into a GenesisDoc.
func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := ioutil.ReadFile(genDocFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read GenesisDoc file: %w", err)
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, fmt.Errorf("error reading GenesisDoc at %v: %w", genDocFile, err)
	}
	return genDoc, nil
}
