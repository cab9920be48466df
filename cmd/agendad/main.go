package main

import (
	"os"

	"github.com/convokit/agendad/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
