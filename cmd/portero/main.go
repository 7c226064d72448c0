package main

import (
	"fmt"
	"os"
)

// version is overridden by the release build.
var version = "0.1.0-dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "portero: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	subcmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "serve":
		return cmdServe(args)
	case "init":
		return cmdInit()
	case "status":
		return cmdStatus()
	case "secret":
		return cmdSecret(args)
	case "version":
		fmt.Println(version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nUsage: portero [serve|init|status|secret|version]", subcmd)
	}
}
