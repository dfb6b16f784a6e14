package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

// shellCommands lists the available commands for the interactive shell help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"connection list", "List all QUICVC connections"},
	{"connection get <id>", "Show a single connection"},
	{"connection connect --device <id> --addr <ip> --proof <b64>", "Establish a connection"},
	{"connection disconnect --device <id>", "Close a connection"},
	{"connection send --device <id> --data <text>", "Send service data"},
	{"monitor", "Stream connection events"},
	{"version", "Print build information"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive quicvcctl shell",
		Long:  "Launches a REPL that accepts quicvcctl subcommands. Type 'help', 'exit', or 'quit'.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			printShellBanner()

			prompt := promptui.Prompt{Label: "quicvcctl"}

			for {
				line, err := prompt.Run()
				if err != nil {
					if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
						return nil
					}
					return fmt.Errorf("read shell input: %w", err)
				}

				line = strings.TrimSpace(line)

				switch {
				case line == "exit" || line == "quit":
					return nil
				case line == "help" || line == "?":
					printShellHelp()
				case line != "":
					args := strings.Fields(line)
					rootCmd.SetArgs(args)

					if err := rootCmd.Execute(); err != nil {
						fmt.Println("Error:", err)
					}
				}
			}
		},
	}
}

// printShellBanner prints a welcome message when the shell starts.
func printShellBanner() {
	fmt.Println("quicvcctl interactive shell. Type 'help' for available commands, 'exit' to quit.")
	fmt.Println()
}

// printShellHelp prints a formatted list of available shell commands.
func printShellHelp() {
	fmt.Println("Available commands:")
	fmt.Println()

	for _, cmd := range shellCommands {
		fmt.Printf("  %-55s %s\n", cmd.name, cmd.desc)
	}

	fmt.Println()
}
