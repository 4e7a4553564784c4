// Command lanchat-peer runs the LAN chat client against a relay.
package main

import "lanchat/cmd/peer/cmd"

func main() {
	cmd.Execute()
}
