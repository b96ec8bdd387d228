package main

import (
	"fmt"
	"os"
)

const usage = "usage: mechlink <daemon|console|status|enable|disable|scan|uuids|connect|read|write|disconnect> [args]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		err = runDaemon(cfg)
	case "console":
		err = runConsole(cfg.Socket)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		err = runCommand(cfg.Socket, os.Args[1:], os.Stdout)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
