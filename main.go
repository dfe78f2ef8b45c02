package main

import (
	"os"

	"github.com/hanzch/qds/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
