package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

const (
	sendTimeout = 10 * time.Second
	// see https://github.com/tendermint/tendermint/blob/master/rpc/lib/server/handlers.go
	pingPeriod = (30 * 9 / 10) * time.Second
)

// transacter 往目标节点的websocket rpc灌broadcast_cmd
type transacter struct {
	Target      string
	Rate        int
	Connections int

	conns       []*websocket.Conn
	connsBroken []bool
	startingWg  sync.WaitGroup
	endingWg    sync.WaitGroup
	stopped     bool
	sent        int64

	logger log.Logger
}

func newTransacter(target string, connections, rate int) *transacter {
	return &transacter{
		Target:      target,
		Rate:        rate,
		Connections: connections,
		conns:       make([]*websocket.Conn, connections),
		connsBroken: make([]bool, connections),
		logger:      log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

// Sent 已发送的命令总数
func (t *transacter) Sent() int64 {
	return atomic.LoadInt64(&t.sent)
}

// Start opens N = `t.Connections` connections to the target and creates read
// and write goroutines for each connection.
func (t *transacter) Start() error {
	t.stopped = false

	rand.Seed(time.Now().Unix())

	for i := 0; i < t.Connections; i++ {
		c, _, err := connect(t.Target)
		if err != nil {
			return err
		}
		t.conns[i] = c
	}

	t.startingWg.Add(t.Connections)
	t.endingWg.Add(2 * t.Connections)
	for i := 0; i < t.Connections; i++ {
		go t.sendLoop(i)
		go t.receiveLoop(i)
	}

	t.startingWg.Wait()

	return nil
}

// Stop closes the connections.
func (t *transacter) Stop() {
	t.stopped = true
	t.endingWg.Wait()
	for _, c := range t.conns {
		c.Close()
	}
}

// receiveLoop reads messages from the connection (responses to
// `broadcast_cmd`).
func (t *transacter) receiveLoop(connIndex int) {
	c := t.conns[connIndex]
	defer t.endingWg.Done()
	for {
		_, _, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Error(
					fmt.Sprintf("failed to read response on conn %d", connIndex),
					"err", err,
				)
			}
			return
		}
		if t.stopped || t.connsBroken[connIndex] {
			return
		}
	}
}

// sendLoop generates commands at a given rate.
func (t *transacter) sendLoop(connIndex int) {
	started := false
	defer func() {
		if !started {
			t.startingWg.Done()
		}
	}()
	c := t.conns[connIndex]

	c.SetPingHandler(func(message string) error {
		err := c.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	pingsTicker := time.NewTicker(pingPeriod)
	txsTicker := time.NewTicker(1 * time.Second)
	defer func() {
		pingsTicker.Stop()
		txsTicker.Stop()
		t.endingWg.Done()
	}()

	for {
		select {
		case <-txsTicker.C:
			startTime := time.Now()
			if !started {
				t.startingWg.Done()
				started = true
			}

			for i := 0; i < t.Rate; i++ {
				cmd := generateCmd(connIndex, int(atomic.LoadInt64(&t.sent)))
				paramsJSON, err := json.Marshal(map[string]interface{}{"cmd": cmd})
				if err != nil {
					t.logger.Error("failed to encode params", "err", err)
					t.connsBroken[connIndex] = true
					return
				}
				rawParamsJSON := json.RawMessage(paramsJSON)

				c.SetWriteDeadline(time.Now().Add(sendTimeout))
				err = c.WriteJSON(jsonrpc.RPCRequest{
					JSONRPC: "2.0",
					ID:      jsonrpc.JSONRPCStringID("hs-bench"),
					Method:  "broadcast_cmd",
					Params:  rawParamsJSON,
				})
				if err != nil {
					err = errors.Wrap(err, fmt.Sprintf("txs send failed on connection #%d", connIndex))
					t.connsBroken[connIndex] = true
					t.logger.Error(err.Error())
					return
				}
				atomic.AddInt64(&t.sent, 1)
			}

			timeToSend := time.Since(startTime)
			t.logger.Info(fmt.Sprintf("sent %d transactions", t.Rate), "took", timeToSend)
			if timeToSend < 1*time.Second {
				time.Sleep(1*time.Second - timeToSend)
			}

		case <-pingsTicker.C:
			// go-rpc server closes the connection in the absence of pings
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				err = errors.Wrap(err, fmt.Sprintf("failed to write ping message on conn #%d", connIndex))
				t.logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}
		}

		if t.stopped {
			return
		}
	}
}

// generateCmd 生成一条带序号的随机命令
func generateCmd(connIndex int, seq int) []byte {
	cmd := make([]byte, 40)
	copy(cmd, fmt.Sprintf("bench/%02d/%08d/", connIndex, seq))
	binPart := make([]byte, 8)
	rand.Read(binPart)
	hex.Encode(cmd[len(cmd)-16:], binPart)
	return cmd
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}
