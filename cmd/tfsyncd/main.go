package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/lherron/tfsync/internal/cli"
)

func main() {
	addr := flag.String("addr", os.Getenv("TFSYNCD_ADDR"), "Serve the status API on this address (e.g. 127.0.0.1:7181)")
	unixPath := flag.String("unix", os.Getenv("TFSYNCD_UNIX"), "Serve the status API on a unix socket path")
	token := flag.String("token", os.Getenv("TFSYNCD_TOKEN"), "Shared token for the status API")
	dbPath := flag.String("db", "", "Database path override (defaults to config)")
	interval := flag.Duration("interval", time.Minute, "Run a pass at least this often (0 = only on drop dir changes)")
	flag.Parse()

	opts := cli.DaemonOptions{
		Addr:     *addr,
		Unix:     *unixPath,
		Token:    *token,
		DBPath:   *dbPath,
		Interval: *interval,
	}

	if err := cli.ServeDaemon(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
