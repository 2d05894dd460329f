package main

import (
	"os"

	"github.com/smartenergy/schedulerd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
