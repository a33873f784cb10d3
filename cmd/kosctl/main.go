// Command kosctl drives kOS CPUs over the telnet console.
package main

import (
	"os"

	"github.com/orbitwright/kosctl/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
