// Command ftpd runs the FTP/FTPS server as a standalone daemon.
package main

import (
	"fmt"
	"os"

	"github.com/goftpd/goftpd/cmd/ftpd/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
