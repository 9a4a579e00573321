// Rpcgate is a blockchain JSON-RPC gateway: it authenticates consumers,
// enforces method whitelists, compute-unit rate limits and monthly
// quotas, and forwards admitted traffic to upstream nodes over HTTP and
// WebSocket.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/rpcgate.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("rpcgate", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
