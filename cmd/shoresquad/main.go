package main

import (
	"os"

	"shoresquad/cmd/shoresquad/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
