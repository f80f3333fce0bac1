package consensus

// 数据流
//
//                 +-----------+  ReqBlock/RespBlock  +-----------+
//  peer bytes --> |  Reactor  | <------------------> |   peers   |
//                 +-----+-----+                      +-----------+
//                       | msgInfo (peerMsgQueue)
//                       v
//                 +-----------+  completionQueue
//                 | recieve   | <---------------- promise continuation /
//                 | Routine   |                   verify pool结果 / beat结果
//                 +-----+-----+
//                       |
//        +--------------+-----------------+
//        v                                v
//  delivery pipeline               command loop (leader)
//  async_fetch / async_deliver     mempool攒够blk_size -> beat -> OnPropose
//        |
//        v 依赖齐活(父区块deliver + QC引用fetch + 签名验证)
//  HotStuffCore
//  OnDeliverBlk / update / OnReceiveProposal / OnReceiveVote
//        |
//        v 三链提交
//  doDecide -> state.Executor -> FinalityStore
//
// HotStuffCore - 安全性状态机，单线程，绝不挂起
//   - vheight/bexec/hqc/tails，投票规则和三链提交规则都在这里
// HotStuff - 事件循环 + 交付流水线 + 命令打包循环
//   - 所有共识状态只在recieveRoutine上动，验证丢给verify pool跑
// Pacemaker - 活性: 谁提案、什么时候提案、从哪个父区块长出去
// Reactor - 线路适配，消息编解码和广播
