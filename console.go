package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

const consoleHelp = `commands:
  status                        daemon and link state
  enable | disable              switch the radio
  scan                          discover nearby devices
  uuids [address]               list service UUIDs of a device
  connect [address] [uuid]      open a serial link, prints the handle
  read <handle>                 read 127 bytes
  write <handle> <11 values>    replace the broadcast command frame
  disconnect <handle>           close a link
  help                          this text
  exit                          leave the console`

// runConsole is an interactive shell over the daemon socket.
func runConsole(sock string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mechlink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem(cmdStatus),
			readline.PcItem(cmdEnable),
			readline.PcItem(cmdDisable),
			readline.PcItem(cmdScan),
			readline.PcItem(cmdUUIDs),
			readline.PcItem(cmdConnect),
			readline.PcItem(cmdRead),
			readline.PcItem(cmdWrite),
			readline.PcItem(cmdDisconnect),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), consoleHelp)
	for {
		line, err := rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			return nil
		}
		if !consoleLine(sock, line, rl.Stdout(), rl.Stderr()) {
			return nil
		}
	}
}

// consoleLine runs one console line. It returns false when the user asked
// to leave.
func consoleLine(sock, line string, stdout, stderr io.Writer) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return true
	}
	switch strings.ToLower(args[0]) {
	case "exit", "quit", "q":
		return false
	case "help", "?":
		fmt.Fprintln(stdout, consoleHelp)
		return true
	}
	args[0] = strings.ToLower(args[0])
	if err := runCommand(sock, args, stdout); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return true
}
