// udpsasctl -- command-line client for probing udpsas reflectors.
package main

import "github.com/dantte-lp/udpsas/cmd/udpsasctl/commands"

func main() {
	commands.Execute()
}
