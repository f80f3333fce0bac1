package node

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"hotstuff_demo/consensus"
	"hotstuff_demo/libs/metric"
	mempl "hotstuff_demo/mempool"
	"hotstuff_demo/privval"
	"hotstuff_demo/rpc"
	"hotstuff_demo/state"
	"hotstuff_demo/store"
	"hotstuff_demo/types"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"
)

type Provider func(*cfg.Config, log.Logger) (*Node, error)

// Node - 一个副本的全部组件
type Node struct {
	service.BaseService

	// config
	config     *cfg.Config
	genesisDoc *types.GenesisDoc

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch // p2p connections
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey // our node privkey

	// services
	blockStore       *store.BlockStore
	finalityStore    *store.FinalityStore
	mempool          *mempl.ListMempool
	mempoolReactor   *mempl.Reactor
	consensus        *consensus.HotStuff
	consensusReactor *consensus.Reactor

	metricSet   *metric.MetricSet
	rpcListener net.Listener
}

type Option func(*Node)

// DefaultNewNode 按配置文件组装一个节点
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, err
	}

	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}

	pv := privval.LoadFilePV(config.PrivValidatorKeyFile())

	return NewNode(config, genDoc, pv, nodeKey, logger)
}

func createTransport(
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	var (
		mConnConfig = conn.DefaultMConnConfig()
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)
	return transport
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	consensusReactor *consensus.Reactor,
	mempoolReactor *mempl.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("CONSENSUS", consensusReactor)
	sw.AddReactor("MEMPOOL", mempoolReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(
	config *cfg.Config,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			8, // global
			11,
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       genDoc.ChainID,
		Version:       version.TMCoreSemVer,
		Channels: []byte{
			consensus.ProposalChannel,
			consensus.VoteChannel,
			consensus.BlockReqChannel,
			consensus.BlockRespChannel,
			mempl.CmdChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

func NewNode(
	config *cfg.Config,
	genDoc *types.GenesisDoc,
	pv types.PrivValidator,
	nodeKey *p2p.NodeKey,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	vals := genDoc.ValidatorSet()
	masterVal := types.NewValidator(genDoc.MasterPubKey())

	// 本节点在验证者集合里的编号
	pub, err := pv.GetPubKey()
	if err != nil {
		return nil, err
	}
	idx, _ := vals.GetByAddress(pub.Address())
	if idx < 0 {
		return nil, fmt.Errorf("this node is not in the validator set")
	}
	replicaID := types.ReplicaID(idx)

	blockStore := store.NewBlockStore(logger.With("module", "store"))

	finalityStore, err := store.NewFinalityStore("finality", config.DBDir(), logger.With("module", "store"))
	if err != nil {
		return nil, err
	}
	executor := state.NewExecutor(genDoc.ChainID, finalityStore)
	executor.SetLogger(logger.With("module", "state"))

	mempool := mempl.NewListMempool()
	mempoolReactor := mempl.NewReactor(mempool)
	mempoolReactor.SetLogger(logger.With("module", "mempool"))

	hs := consensus.NewHotStuff(
		genDoc.ChainID, replicaID, pv, vals, masterVal,
		blockStore, mempool, executor,
	)
	hs.SetLogger(logger.With("module", "consensus"))

	consensusReactor := consensus.NewReactor(hs)
	consensusReactor.SetLogger(logger.With("module", "consensus"))

	// metric登记
	metricSet := metric.NewMetricSet()
	if err := metricSet.SetMetrics("consensus", hs.Metric()); err != nil {
		return nil, err
	}
	if err := metricSet.SetMetrics("mempool", mempool.Metric()); err != nil {
		return nil, err
	}

	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc)
	if err != nil {
		return nil, err
	}

	transport := createTransport(nodeInfo, nodeKey)
	sw := createSwitch(
		config, transport, consensusReactor, mempoolReactor,
		nodeInfo, nodeKey, logger.With("module", "p2p"),
	)

	node := &Node{
		config:     config,
		genesisDoc: genDoc,

		transport: transport,
		sw:        sw,
		nodeInfo:  nodeInfo,
		nodeKey:   nodeKey,

		blockStore:       blockStore,
		finalityStore:    finalityStore,
		mempool:          mempool,
		mempoolReactor:   mempoolReactor,
		consensus:        hs,
		consensusReactor: consensusReactor,
		metricSet:        metricSet,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)

	for _, option := range options {
		option(node)
	}
	return node, nil
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) Consensus() *consensus.HotStuff {
	return n.consensus
}

func (n *Node) OnStart() error {
	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// start the Switch - 里面会启动consensus/mempool reactor
	if err := n.sw.Start(); err != nil {
		return err
	}

	// 连接其他节点
	n.Logger.Info("onstart", "peers", n.config.P2P.PersistentPeers)
	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	// 客户端rpc
	if n.config.RPC.ListenAddress != "" {
		if err := n.startRPC(); err != nil {
			return err
		}
	}

	return nil
}

func (n *Node) OnStop() {
	if n.rpcListener != nil {
		if err := n.rpcListener.Close(); err != nil {
			n.Logger.Error("failed to close rpc listener", "err", err)
		}
	}

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("failed to stop switch", "err", err)
	}

	if err := n.transport.Close(); err != nil {
		n.Logger.Error("failed to close transport", "err", err)
	}

	if err := n.finalityStore.Close(); err != nil {
		n.Logger.Error("failed to close finality store", "err", err)
	}
}

// startRPC 起jsonrpc服务，客户端从这里提交命令
func (n *Node) startRPC() error {
	rpc.SetEnvironment(&rpc.Environment{
		Mempool:   n.mempool,
		HotStuff:  n.consensus,
		MetricSet: n.metricSet,
	})

	rpcLogger := n.Logger.With("module", "rpc-server")
	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)

	config := rpcserver.DefaultConfig()
	listener, err := rpcserver.Listen(n.config.RPC.ListenAddress, config)
	if err != nil {
		return err
	}
	n.rpcListener = listener

	go func() {
		if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil {
			rpcLogger.Error("rpc server stopped", "err", err)
		}
	}()
	return nil
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. If sep is empty, SplitAndTrim splits after each
// UTF-8 sequence. First part is equivalent to strings.SplitN with a count of
// -1.  also filter out empty strings, only return non-empty strings.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
