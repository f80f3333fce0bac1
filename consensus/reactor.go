package consensus

import (
	"fmt"

	"hotstuff_demo/types"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"
)

const (
	ProposalChannel  = byte(0x21)
	VoteChannel      = byte(0x22)
	BlockReqChannel  = byte(0x24)
	BlockRespChannel = byte(0x25)

	maxMsgSize = 1048576 // 1MB
)

// ------ Message ------
type Message interface {
	ValidateBasic() error
}

type ProposalMessage struct {
	Proposal *types.Proposal
}

func (msg *ProposalMessage) ValidateBasic() error {
	return msg.Proposal.ValidateBasic()
}

func (msg *ProposalMessage) String() string {
	return fmt.Sprintf("[Proposal %v]", msg.Proposal)
}

type VoteMessage struct {
	Vote *types.Vote
}

func (msg *VoteMessage) ValidateBasic() error {
	return msg.Vote.ValidateBasic()
}

func (msg *VoteMessage) String() string {
	return fmt.Sprintf("[Vote %v]", msg.Vote)
}

type BlockReqMessage struct {
	Hashes []tmbytes.HexBytes `json:"hashes"`
}

func (msg *BlockReqMessage) ValidateBasic() error {
	if len(msg.Hashes) == 0 {
		return fmt.Errorf("empty block request")
	}
	return nil
}

type BlockRespMessage struct {
	Blks []*types.Block `json:"blks"`
}

func (msg *BlockRespMessage) ValidateBasic() error {
	return nil
}

// ------- Reactor ------
// 线路适配层: 把p2p channel上的字节流翻译成consensus的消息，
// 把consensus广播事件翻译回线路
type Reactor struct {
	p2p.BaseReactor

	consensus *HotStuff
}

func NewReactor(consensus *HotStuff) *Reactor {
	conR := &Reactor{
		consensus: consensus,
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)
	return conR
}

func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Consensus Reactor started.")
	conR.subscribeToBroadcastEvents()
	if err := conR.consensus.Start(); err != nil {
		return err
	}
	return nil
}

func (conR *Reactor) OnStop() {
	if err := conR.consensus.Stop(); err != nil {
		conR.Logger.Error("failed trying to stop consensus", "error", err)
	}
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                 ProposalChannel,
			Priority:           10,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 VoteChannel,
			Priority:           10,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 BlockReqChannel,
			Priority:           5,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 BlockRespChannel,
			Priority:           5,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
	}
}

// InitPeer implements Reactor
func (conR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	conR.Logger.Debug("new peer come", "peer", peer.ID())
	return peer
}

// AddPeer implements Reactor
func (conR *Reactor) AddPeer(peer p2p.Peer) {
}

// RemovePeer implements Reactor
func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
}

// Receive 各自解析数据后丢进consensus的peerMsgQueue
func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID)
		return
	}

	switch chID {
	case ProposalChannel:
		var proposal types.Proposal
		if err := tmjson.Unmarshal(msgBytes, &proposal); err != nil {
			conR.Logger.Error("try to unmarshal proposal failed", "err", err)
			break
		}
		conR.consensus.peerMsgQueue <- msgInfo{
			Msg:    &ProposalMessage{Proposal: &proposal},
			PeerID: src.ID(),
		}

	case VoteChannel:
		var vote types.Vote
		if err := tmjson.Unmarshal(msgBytes, &vote); err != nil {
			conR.Logger.Error("try to unmarshal vote failed", "err", err)
			break
		}
		conR.consensus.peerMsgQueue <- msgInfo{
			Msg:    &VoteMessage{Vote: &vote},
			PeerID: src.ID(),
		}

	case BlockReqChannel:
		var msg BlockReqMessage
		if err := tmjson.Unmarshal(msgBytes, &msg); err != nil {
			conR.Logger.Error("try to unmarshal block request failed", "err", err)
			break
		}
		conR.consensus.peerMsgQueue <- msgInfo{Msg: &msg, PeerID: src.ID()}

	case BlockRespChannel:
		var msg BlockRespMessage
		if err := tmjson.Unmarshal(msgBytes, &msg); err != nil {
			conR.Logger.Error("try to unmarshal block response failed", "err", err)
			break
		}
		conR.consensus.peerMsgQueue <- msgInfo{Msg: &msg, PeerID: src.ID()}

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

// subscribeToBroadcastEvents订阅consensus需要广播的消息
func (conR *Reactor) subscribeToBroadcastEvents() {
	const subscriber = "consensus-reactor"

	// 提案广播 - leader自己的提案和follower接受后的转发都走这里
	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewProposal, func(data events.EventData) {
		conR.broadcastProposal(data.(*types.Proposal))
	})

	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewVote, func(data events.EventData) {
		conR.broadcastVote(data.(*types.Vote))
	})

	// 缺块拉取 - 发给知道这个区块的那个peer
	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventReqBlocks, func(data events.EventData) {
		conR.sendBlockRequest(data.(*BlockRequest))
	})

	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventRespBlocks, func(data events.EventData) {
		conR.sendBlockResponse(data.(*BlockResponse))
	})
}

func (conR *Reactor) broadcastProposal(proposal *types.Proposal) {
	pBytes, err := tmjson.Marshal(proposal)
	if err != nil {
		conR.Logger.Error("Marshal Proposal failed.", "err", err)
		return
	}
	conR.Logger.Debug("ready to broadcast Proposal", "proposal", proposal)
	conR.Switch.Broadcast(ProposalChannel, pBytes)
}

func (conR *Reactor) broadcastVote(vote *types.Vote) {
	vBytes, err := tmjson.Marshal(vote)
	if err != nil {
		conR.Logger.Error("Marshal Vote failed.", "err", err)
		return
	}
	conR.Logger.Debug("ready to broadcast Vote", "vote", vote)
	conR.Switch.Broadcast(VoteChannel, vBytes)
}

func (conR *Reactor) sendBlockRequest(req *BlockRequest) {
	bz, err := tmjson.Marshal(&BlockReqMessage{Hashes: req.Hashes})
	if err != nil {
		conR.Logger.Error("Marshal BlockReqMessage failed.", "err", err)
		return
	}
	peer := conR.Switch.Peers().Get(req.PeerID)
	if peer == nil {
		// 目标peer已经断开，退化成广播碰运气
		conR.Switch.Broadcast(BlockReqChannel, bz)
		return
	}
	peer.Send(BlockReqChannel, bz)
}

func (conR *Reactor) sendBlockResponse(resp *BlockResponse) {
	bz, err := tmjson.Marshal(&BlockRespMessage{Blks: resp.Blks})
	if err != nil {
		conR.Logger.Error("Marshal BlockRespMessage failed.", "err", err)
		return
	}
	peer := conR.Switch.Peers().Get(resp.PeerID)
	if peer == nil {
		return
	}
	peer.Send(BlockRespChannel, bz)
}
