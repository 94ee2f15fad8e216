// Command smtpsend submits a mail message through a pooled SMTP sender.
// The message body is read from stdin; server settings come from a TOML
// configuration file, a connection URL, or flags. With -verify the tool
// checks the connection settings and exits without sending.
package main

import (
	"fmt"
	"os"

	"github.com/infodancer/smtppool/internal/config"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, flags); err != nil {
		fmt.Fprintf(os.Stderr, "smtpsend: %v\n", err)
		os.Exit(1)
	}
}
