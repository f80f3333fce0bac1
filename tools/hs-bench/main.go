package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tendermint/tendermint/libs/log"
)

var logger = log.NewNopLogger()

func main() {
	var (
		target   string
		rate     int
		conns    int
		duration int
		verbose  bool
	)
	flag.StringVar(&target, "target", "localhost:26657", "节点rpc地址")
	flag.IntVar(&rate, "r", 100, "每秒每连接发送的命令数")
	flag.IntVar(&conns, "c", 1, "websocket连接数")
	flag.IntVar(&duration, "T", 10, "压测时长(秒)")
	flag.BoolVar(&verbose, "v", false, "verbose日志")

	flag.Usage = func() {
		fmt.Println(`hs-bench - 往hotstuff_demo集群的leader灌命令

Usage:
	hs-bench [-target localhost:26657] [-r 100] [-c 1] [-T 10]`)
		fmt.Println("Flags:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if verbose {
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	}

	transacter := newTransacter(target, conns, rate)
	transacter.SetLogger(logger)
	if err := transacter.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	timer := time.NewTimer(time.Duration(duration) * time.Second)
	<-timer.C
	transacter.Stop()

	fmt.Printf("sent %v cmds over %v connections in %vs\n",
		transacter.Sent(), conns, duration)
}
