// quicvcctl is the CLI client for the quicvcd daemon.
package main

import "github.com/quicvc-project/quicvc/cmd/quicvcctl/commands"

func main() {
	commands.Execute()
}
