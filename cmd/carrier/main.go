// Command carrier is an offline-first message store that syncs with a relay.
package main

import (
	"os"

	"github.com/roach88/carrier/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
